package rtc

import "github.com/pion/webrtc/v4"

const defaultSTUN = "stun:stun.l.google.com:19302"

type TURN struct {
	URL        string
	Username   string
	Credential string
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return ICEConfig(nil, nil)
}

// ICEConfig lists the STUN servers, or the default one, followed by any TURN servers.
func ICEConfig(stun []string, turn []TURN) webrtc.Configuration {
	if len(stun) == 0 {
		stun = []string{defaultSTUN}
	}
	servers := []webrtc.ICEServer{{URLs: stun}}
	for _, t := range turn {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
