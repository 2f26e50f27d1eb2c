package webrtc

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// isKeyframe reports whether an RTP payload starts a keyframe for the given
// codec. Only the first packet of a frame is inspected.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return vp8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return h264Keyframe(payload)
	}
	return false
}

// VP8 payload descriptor (RFC 7741) followed by the frame header, whose
// lowest bit P is 0 on keyframes.
func vp8Keyframe(payload []byte) bool {
	first := payload[0]
	// S bit set and partition index 0
	if first&0x10 == 0 || first&0x07 != 0 {
		return false
	}

	offset := 1
	if first&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 { // I: picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // L: tl0picidx
			offset++
		}
		if ext&0x30 != 0 { // T or K
			offset++
		}
	}

	if len(payload) <= offset {
		return false
	}
	return payload[offset]&0x01 == 0
}

// H.264: IDR NAL (type 5), or an SPS (type 7) that always precedes one;
// STAP-A and FU-A are unwrapped one level.
func h264Keyframe(payload []byte) bool {
	nalType := payload[0] & 0x1F
	switch nalType {
	case 5, 7:
		return true
	case 24: // STAP-A
		offset := 1
		for offset+2 < len(payload) {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset >= len(payload) {
				return false
			}
			if t := payload[offset] & 0x1F; t == 5 || t == 7 {
				return true
			}
			offset += size
		}
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == 5
	}
	return false
}
