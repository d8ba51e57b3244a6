package intercept

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/util"
)

// Call is the part of an outbound request the interceptor may inspect or change.
type Call struct {
	Method string
	URL    *url.URL
	Header http.Header
	// HeadersSent is true when the request line and headers have already been
	// written; such calls can only be observed, not rewritten.
	HeadersSent bool
}

// Action describes what Rewrite did to a call.
type Action int

const (
	ActionPassThrough Action = iota
	ActionRedirected
	ActionAuthorized
	ActionObserved
)

func (a Action) String() string {
	switch a {
	case ActionRedirected:
		return "redirected"
	case ActionAuthorized:
		return "authorized"
	case ActionObserved:
		return "observed"
	default:
		return "pass-through"
	}
}

// Decision is the outcome of Rewrite.
type Decision struct {
	Action Action
	// CaptureEmail and CaptureToken are set when the call carried a token that
	// should be recorded on the active official account.
	CaptureEmail string
	CaptureToken string
	// Skipped explains why a wanted header change was not applied.
	Skipped string
}

// State is the routing state derived from one read of the settings file.
type State struct {
	Settings     channel.Settings
	Hash         string
	Channel      channel.Channel
	Active       bool
	OfficialHost string
	// ThirdPartyBase is the parsed baseUrl of the active third-party account.
	ThirdPartyBase *url.URL
}

// NewState derives routing state from settings.
func NewState(settings channel.Settings, hash, officialHost string) *State {
	st := &State{Settings: settings, Hash: hash, OfficialHost: strings.ToLower(officialHost)}
	st.Channel, st.Active = settings.ActiveChannel()
	if st.Active && !st.Channel.Official() {
		if u, err := url.Parse(strings.TrimSpace(st.Channel.Account.BaseURL)); err == nil && u.Host != "" {
			st.ThirdPartyBase = u
		}
	}
	return st
}

// Rewrite applies the routing rules for st to call. It does not mutate call
// or st, so it is safe to call from any goroutine.
func Rewrite(st *State, call Call) (Call, Decision) {
	if st == nil || !st.Active || call.URL == nil {
		return call, Decision{}
	}
	host := strings.ToLower(call.URL.Hostname())
	toOfficial := host == st.OfficialHost
	toThirdParty := st.ThirdPartyBase != nil && host == strings.ToLower(st.ThirdPartyBase.Hostname())
	if !toOfficial && !toThirdParty {
		return call, Decision{}
	}

	if !st.Channel.Official() {
		return rewriteThirdParty(st, call, toOfficial)
	}
	if !toOfficial {
		return call, Decision{}
	}
	return rewriteOfficial(st, call)
}

func rewriteThirdParty(st *State, call Call, redirect bool) (Call, Decision) {
	if st.ThirdPartyBase == nil {
		return call, Decision{}
	}
	if call.HeadersSent {
		return call, Decision{Action: ActionObserved, Skipped: "headers already sent"}
	}
	out := call
	out.Header = call.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set("Authorization", "Bearer "+st.Channel.Account.APIKey)
	out.Header.Del("x-api-key")

	if !redirect {
		return out, Decision{Action: ActionAuthorized}
	}
	base := st.ThirdPartyBase
	u := *call.URL
	u.Scheme = base.Scheme
	u.Host = base.Host
	u.Path = joinPath(base.Path, call.URL.Path)
	u.RawPath = ""
	u.User = nil
	out.URL = &u
	return out, Decision{Action: ActionRedirected}
}

func rewriteOfficial(st *State, call Call) (Call, Decision) {
	acct := st.Channel.Account
	observed := util.BearerToken(call.Header.Get("Authorization"))
	fresh := acct.CapturedAuthorization
	var d Decision

	if observed != "" && observed != fresh && acct.EmailAddress != "" {
		probe := st.Settings.Clone()
		if res, _ := channel.ApplyCapture(&probe, acct.EmailAddress, observed); res == channel.CaptureApplied {
			d.CaptureEmail, d.CaptureToken = acct.EmailAddress, observed
			fresh = observed
		}
	}

	if fresh == "" || fresh == observed {
		d.Action = ActionObserved
		return call, d
	}
	if call.HeadersSent {
		d.Action = ActionObserved
		d.Skipped = "headers already sent"
		return call, d
	}
	out := call
	out.Header = call.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set("Authorization", "Bearer "+fresh)
	out.Header.Del("x-api-key")
	d.Action = ActionAuthorized
	return out, d
}

func joinPath(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
