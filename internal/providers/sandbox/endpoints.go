package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	automationPath = "/ws/automation"
	livestreamPath = "/ws/livestream"
)

var sandboxURLPattern = regexp.MustCompile(`^wss?://(.+?)/sandboxes/(.+?)/`)

// NormalizeVNCURL rewrites the legacy "/vnc" viewer path to the
// livestream path the viewer actually serves.
func NormalizeVNCURL(raw string) string {
	if strings.HasSuffix(raw, "/vnc") {
		return strings.TrimSuffix(raw, "/vnc") + livestreamPath
	}
	return raw
}

// DataPlaneHost returns the regional data-plane host for an account.
func DataPlaneHost(accountID, region string) string {
	return fmt.Sprintf("%s.agentrun-data.%s.aliyuncs.com", accountID, region)
}

// FallbackEndpoints builds CDP and VNC URLs from the account, region and
// sandbox id, for API answers that omit them.
func FallbackEndpoints(accountID, region, sandboxID string) (cdp, vnc string) {
	base := fmt.Sprintf("wss://%s/sandboxes/%s", DataPlaneHost(accountID, region), sandboxID)
	return base + automationPath, base + livestreamPath
}

// DeriveBaseURL turns a sandbox CDP URL into the sandbox's HTTPS base URL.
// It returns "" when the URL does not address a sandbox.
func DeriveBaseURL(cdpURL string) string {
	m := sandboxURLPattern.FindStringSubmatch(cdpURL)
	if m == nil {
		return ""
	}
	return fmt.Sprintf("https://%s/sandboxes/%s", m[1], m[2])
}

// completeEndpoints fills whatever the provider left out.
func completeEndpoints(inst Instance, accountID, region string) Instance {
	if inst.CDPURL == "" || inst.VNCURL == "" {
		if accountID != "" && region != "" {
			cdp, vnc := FallbackEndpoints(accountID, region, inst.ID)
			if inst.CDPURL == "" {
				inst.CDPURL = cdp
			}
			if inst.VNCURL == "" {
				inst.VNCURL = vnc
			}
		}
	}
	inst.VNCURL = NormalizeVNCURL(inst.VNCURL)
	if inst.BaseURL == "" {
		inst.BaseURL = DeriveBaseURL(inst.CDPURL)
	}
	return inst
}
