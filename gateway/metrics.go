// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package gateway

import "expvar"

// codecMetrics record framing activity counters.
type codecMetrics struct {
	framesDecoded   expvar.Int
	framesEncoded   expvar.Int
	bytesDecoded    expvar.Int // frame bytes, including headers
	bytesEncoded    expvar.Int // frame bytes, including headers
	framesCompress  expvar.Int // outbound frames with a compressed body
	framesInflated  expvar.Int // inbound frames with a compressed body
	sizeRejected    expvar.Int // inbound frames over the size limit
	formatErrors    expvar.Int // inbound frames that could not be decoded
	encoderRejected expvar.Int // messages refused by a full Encoder

	emap *expvar.Map
}

var rootMetrics = newCodecMetrics()

func newCodecMetrics() *codecMetrics {
	cm := &codecMetrics{emap: new(expvar.Map)}
	cm.emap.Set("frames_decoded", &cm.framesDecoded)
	cm.emap.Set("frames_encoded", &cm.framesEncoded)
	cm.emap.Set("bytes_decoded", &cm.bytesDecoded)
	cm.emap.Set("bytes_encoded", &cm.bytesEncoded)
	cm.emap.Set("frames_compressed", &cm.framesCompress)
	cm.emap.Set("frames_inflated", &cm.framesInflated)
	cm.emap.Set("size_limit_rejections", &cm.sizeRejected)
	cm.emap.Set("format_errors", &cm.formatErrors)
	cm.emap.Set("encoder_full", &cm.encoderRejected)
	return cm
}

// Metrics returns the metrics map shared by all codecs. It is safe for the
// caller to add, update, and remove entries.
func Metrics() *expvar.Map { return rootMetrics.emap }
