package globalplatform

// KeyVersionResult holds the result of a handshake attempt for diagnostics.
type KeyVersionResult struct {
	KeyVersion byte     // Requested key version
	Success    bool     // True if the channel opened
	Protocol   Protocol // Negotiated protocol on success
	Step       string   // Handshake step where the failure occurred
	SW         uint16   // Status word from the failed step
	RespLen    int      // Response length from the failed step
	Err        error    // Underlying error
}

// DiagnoseKeyVersions opens a channel at each key version in turn and
// records how far the handshake got. Every opened channel is closed again.
//
// The caller should select the security domain once before calling this.
func DiagnoseKeyVersions(card Card, keys *KeySet, opts ChannelOptions, versions []byte) []KeyVersionResult {
	results := make([]KeyVersionResult, 0, len(versions))
	for _, v := range versions {
		o := opts
		o.KeyVersion = v
		o.PinKeyVersion = true
		ch := NewSecureChannel(card, keys, o)
		err := ch.Open()
		result := KeyVersionResult{KeyVersion: v, Success: err == nil, Err: err}
		if err == nil {
			result.Protocol, _ = ch.ActiveProtocol()
		} else if step, sw, respLen, ok := ClassifyHandshakeError(err); ok {
			result.Step = step
			result.SW = sw
			result.RespLen = respLen
		}
		ch.Close()
		results = append(results, result)
	}
	return results
}
