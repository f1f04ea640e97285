package session

// Factories returns the production constructors for one consultation
// attempt: a pion-backed transport using the given STUN/TURN servers and a
// websocket channel dialed against url with the bearer token. Each call of
// a factory builds a fresh instance, as retry semantics require.
func Factories(url, token string, iceServers []string) (TransportFactory, SignalingFactory) {
	newTransport := func() (Transport, error) {
		return NewWebRTCTransport(iceServers)
	}
	newSignaling := func() (Signaling, error) {
		return NewWSChannel(url, token), nil
	}
	return newTransport, newSignaling
}
