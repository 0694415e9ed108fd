package sipmedia

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// payloadType identifies the negotiated RTP codec. PCMU and PCMA are the
// only two µ-law/A-law static payload types this bridge offers (§4.G): the
// AI realtime endpoint speaks g711_ulaw, and PCMA is accepted as a
// fallback so a caller whose trunk only advertises A-law is not refused.
type payloadType uint8

const (
	payloadTypePCMU payloadType = 0
	payloadTypePCMA payloadType = 8
)

// negotiatedOffer is what the SDP exchange produces for one call: where to
// send RTP, and which codec both sides agreed on.
type negotiatedOffer struct {
	RemoteAddr *net.UDPAddr
	Codec      payloadType
}

// parseOffer reads the caller's INVITE SDP body and picks the first audio
// media line that advertises PCMU or PCMA, preferring PCMU.
func parseOffer(body []byte) (*negotiatedOffer, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("unmarshal offer sdp: %w", err)
	}

	sessionIP := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		sessionIP = desc.ConnectionInformation.Address.Address
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		connIP := sessionIP
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			connIP = md.ConnectionInformation.Address.Address
		}
		if connIP == "" {
			continue
		}

		codec, ok := pickCodec(md.MediaName.Formats)
		if !ok {
			continue
		}

		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(connIP, strconv.Itoa(md.MediaName.Port.Value)))
		if err != nil {
			return nil, fmt.Errorf("resolve remote rtp address: %w", err)
		}
		return &negotiatedOffer{RemoteAddr: addr, Codec: codec}, nil
	}

	return nil, fmt.Errorf("no negotiable audio media in offer")
}

func pickCodec(formats []string) (payloadType, bool) {
	hasPCMA := false
	for _, f := range formats {
		switch strings.TrimSpace(f) {
		case "0":
			return payloadTypePCMU, true
		case "8":
			hasPCMA = true
		}
	}
	if hasPCMA {
		return payloadTypePCMA, true
	}
	return 0, false
}

// buildAnswer constructs the 200 OK SDP body: our advertised RTP endpoint
// and the single negotiated codec, per RFC 3264 answer rules (one format
// in the m= line, matching the offer's chosen payload type).
func buildAnswer(localIP string, localPort int, codec payloadType) ([]byte, error) {
	codecName := "PCMU"
	if codec == payloadTypePCMA {
		codecName = "PCMA"
	}

	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "voicebridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: localPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(int(codec))},
				},
				ConnectionInformation: &sdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: "IP4",
					Address:     &sdp.Address{Address: localIP},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", codec, codecName)),
					sdp.NewAttribute("ptime", "20"),
					sdp.NewAttribute("sendrecv", ""),
				},
			},
		},
	}

	return desc.Marshal()
}
