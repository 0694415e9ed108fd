package sipmedia

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pion/turn/v2"
)

// resolveAdvertisedIP picks the IP this process puts in its SDP answer's
// c= line: a STUN-discovered public mapping when the bridge sits behind
// NAT, falling back to turnRelayedIP, then to the plain outbound-interface
// address when neither is configured.
func resolveAdvertisedIP(stunServer, turnServer, turnUser, turnPass string) (string, error) {
	if stunServer != "" {
		if ip, err := stunPublicIP(stunServer); err == nil {
			return ip, nil
		}
	}
	if turnServer != "" {
		if ip, err := turnRelayedIP(turnServer, turnUser, turnPass); err == nil {
			return ip, nil
		}
	}
	return localOutboundIP()
}

// stunPublicIP performs a single STUN binding request to learn our
// server-reflexive address, per RFC 5389.
func stunPublicIP(stunServer string) (string, error) {
	c, err := stun.Dial("udp", stunServer)
	if err != nil {
		return "", fmt.Errorf("dial stun server: %w", err)
	}
	defer c.Close()

	var xorAddr stun.XORMappedAddress
	var stunErr error
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	done := make(chan struct{})
	if err := c.Do(message, func(res stun.Event) {
		defer close(done)
		if res.Error != nil {
			stunErr = res.Error
			return
		}
		stunErr = xorAddr.GetFrom(res.Message)
	}); err != nil {
		return "", fmt.Errorf("stun binding request: %w", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("stun binding request timed out")
	}
	if stunErr != nil {
		return "", fmt.Errorf("stun binding response: %w", stunErr)
	}
	return xorAddr.IP.String(), nil
}

// turnRelayedIP allocates a TURN relay and returns its address, used when
// STUN alone cannot traverse a symmetric NAT (§4.G). The bridge still
// sends media from its local socket; the relay address is advertised so a
// carrier that insists on a relayed candidate has one to route through.
func turnRelayedIP(turnServer, username, password string) (string, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return "", fmt.Errorf("open turn client socket: %w", err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: turnServer,
		TURNServerAddr: turnServer,
		Conn:           conn,
		Username:       username,
		Password:       password,
		Realm:          "voicebridge",
	})
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("create turn client: %w", err)
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return "", fmt.Errorf("turn client listen: %w", err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		return "", fmt.Errorf("turn allocate: %w", err)
	}
	defer relayConn.Close()

	host, _, err := net.SplitHostPort(relayConn.LocalAddr().String())
	if err != nil {
		return "", fmt.Errorf("split relay address: %w", err)
	}
	return host, nil
}

func localOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("determine outbound interface: %w", err)
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", fmt.Errorf("split local address: %w", err)
	}
	return host, nil
}
