package payload

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// staticTypes статические типы RTP/AVP, которые могут прийти без rtpmap
var staticTypes = map[uint8]PayloadType{
	0:  NewAudio(0, "PCMU", 1, 8000),
	3:  NewAudio(3, "GSM", 1, 8000),
	8:  NewAudio(8, "PCMA", 1, 8000),
	9:  NewAudio(9, "G722", 1, 8000),
	18: NewAudio(18, "G729", 1, 8000),
}

// ToMediaDescription строит m-секцию SDP со списком кодеков в заданном порядке
func ToMediaDescription(media string, port int, list []PayloadType) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  media,
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, p := range list {
		md.WithCodec(uint8(p.ID), p.Name, p.ClockRate, uint16(p.Channels), "")
	}
	return md
}

// FromSessionDescription извлекает кодеки первой m-секции с типом media.
// Аудио-секции дают аудио-типы, остальные базовые.
func FromSessionDescription(sd *sdp.SessionDescription, media string) ([]PayloadType, error) {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != media {
			continue
		}
		out := make([]PayloadType, 0, len(md.MediaName.Formats))
		for _, f := range md.MediaName.Formats {
			id, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("sdp format %q: %w", f, err)
			}
			codec, err := sd.GetCodecForPayloadType(uint8(id))
			if err != nil {
				if st, ok := staticTypes[uint8(id)]; ok {
					out = append(out, st)
					continue
				}
				return nil, fmt.Errorf("sdp payload %d: %w", id, err)
			}
			channels := 1
			if codec.EncodingParameters != "" {
				if channels, err = strconv.Atoi(codec.EncodingParameters); err != nil {
					return nil, fmt.Errorf("sdp payload %d channels: %w", id, err)
				}
			}
			if media == "audio" {
				out = append(out, NewAudio(int(id), codec.Name, channels, codec.ClockRate))
			} else {
				out = append(out, New(int(id), codec.Name, channels))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("sdp: no %q media section", media)
}

// ParseSDP разбирает текст SDP и возвращает кодеки секции media
func ParseSDP(raw []byte, media string) ([]PayloadType, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return FromSessionDescription(&sd, media)
}
