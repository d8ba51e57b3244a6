package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Finesssee/ccswitch/internal/api/middleware"
	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	apperrors "github.com/Finesssee/ccswitch/internal/errors"
	"github.com/Finesssee/ccswitch/internal/logging"
	"github.com/Finesssee/ccswitch/internal/util"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Forwarder routes every inbound call to the backend of the channel active at
// the moment of the call.
type Forwarder struct {
	registry        channel.Service
	officialBaseURL *url.URL
	timeout         time.Duration
	transports      *transportCache
	unsubscribe     func()
}

// NewForwarder creates a forwarder reading routing state from registry.
func NewForwarder(cfg *config.Config, registry channel.Service) (*Forwarder, error) {
	official, err := url.Parse(cfg.OfficialBaseURL)
	if err != nil || official.Host == "" {
		return nil, apperrors.New(http.StatusInternalServerError, apperrors.CodeInvalidTarget, "invalid official base url "+cfg.OfficialBaseURL, err)
	}
	f := &Forwarder{
		registry:        registry,
		officialBaseURL: official,
		timeout:         time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		transports:      newTransportCache(),
	}
	f.unsubscribe = registry.Subscribe(func(ev channel.Event) {
		if ev.Type == channel.EventProxyConfigChanged {
			f.transports.Invalidate()
		}
	})
	return f, nil
}

// Close detaches the forwarder from registry events.
func (f *Forwarder) Close() {
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
}

type route struct {
	target  *url.URL
	headers http.Header
	useAuth string
}

// Handle forwards the request held by c.
func (f *Forwarder) Handle(c *gin.Context) {
	start := time.Now()
	requestID := logging.GetGinRequestID(c)

	ch, proxyCfg, ok := f.registry.ActiveRoute()
	if !ok {
		f.abort(c, apperrors.NoActiveChannel("select a provider and account first"))
		return
	}
	c.Set(middleware.ProviderKey, ch.Provider.ID)
	c.Set(middleware.ProviderTypeKey, string(ch.Provider.Type))

	rt, appErr := f.resolve(c.Request, ch)
	if appErr != nil {
		f.abort(c, appErr)
		return
	}

	entry := log.WithFields(log.Fields{
		"request_id": requestID,
		"provider":   ch.Provider.ID,
		"account":    ch.Account.Label(),
		"target":     rt.target.Host,
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
	})

	ctx := c.Request.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	outURL := *rt.target
	outURL.Path = singleJoiningSlash(rt.target.Path, c.Request.URL.Path)
	outURL.RawPath = ""
	outURL.RawQuery = c.Request.URL.RawQuery

	outReq, err := http.NewRequestWithContext(ctx, c.Request.Method, outURL.String(), c.Request.Body)
	if err != nil {
		f.abort(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidTarget, "could not build upstream request", err))
		return
	}
	outReq.ContentLength = c.Request.ContentLength
	outReq.Header = rt.headers
	outReq.Host = rt.target.Host

	useProxy := ch.UsesUpstreamProxy(proxyCfg)
	transport, err := f.transports.For(ch.Provider.UseUpstreamProxy, proxyCfg)
	if err != nil {
		entry.Errorf("upstream proxy misconfigured: %v", err)
		f.abort(c, apperrors.New(http.StatusBadGateway, apperrors.CodeUpstreamProxyError, "upstream proxy is misconfigured", err))
		return
	}

	entry.WithFields(log.Fields{
		"via_proxy":     useProxy,
		"authorization": util.MaskAuthorization(rt.useAuth),
	}).Debug("forwarding request")

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		if c.Request.Context().Err() != nil {
			entry.Debug("client went away before upstream answered")
			c.Abort()
			return
		}
		failure := classifyUpstreamError(err)
		entry.WithFields(log.Fields{
			"category":   failure.category,
			"latency_ms": time.Since(start).Milliseconds(),
			"via_proxy":  useProxy,
		}).Errorf("upstream call failed: %v (%s)", err, failure.hint)
		middleware.RecordUpstreamError(failure.category, ch.Provider.ID)
		f.abort(c, failure.appError(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}

	var written int64
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		written = streamBody(c, resp, entry)
	} else {
		c.Status(resp.StatusCode)
		c.Writer.WriteHeaderNow()
		written, err = io.Copy(c.Writer, resp.Body)
		if err != nil && !errors.Is(err, context.Canceled) {
			entry.Warnf("copy upstream body: %v", err)
		}
	}

	entry.WithFields(log.Fields{
		"status":     resp.StatusCode,
		"bytes":      written,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Info("proxied request")
}

// resolve picks the target and builds the outbound header set for ch.
func (f *Forwarder) resolve(r *http.Request, ch channel.Channel) (route, *apperrors.AppError) {
	headers := cloneForwardHeaders(r.Header)
	inbound := r.Header.Get("Authorization")
	headers.Del("Authorization")

	if ch.Official() {
		token := f.captureInbound(ch, inbound)
		target := f.officialBaseURL
		if token != "" {
			headers.Del("x-api-key")
			headers.Set("Authorization", "Bearer "+token)
			return route{target: target, headers: headers, useAuth: "Bearer " + token}, nil
		}
		log.Warnf("no captured authorization for %s, forwarding with identifying headers only", ch.Account.Label())
		if ch.Account.AccountUUID != "" {
			headers.Set("x-account-uuid", ch.Account.AccountUUID)
		}
		if ch.Account.OrganizationUUID != "" {
			headers.Set("x-organization-uuid", ch.Account.OrganizationUUID)
		}
		return route{target: target, headers: headers, useAuth: headers.Get("x-api-key")}, nil
	}

	target, err := url.Parse(strings.TrimSpace(ch.Account.BaseURL))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return route{}, apperrors.NoActiveChannel("account "+ch.Account.Label()+" has no usable base URL").
			WithDetail("provider", ch.Provider.ID)
	}
	headers.Set("Authorization", "Bearer "+ch.Account.APIKey)
	headers.Set("x-api-key", ch.Account.APIKey)
	return route{target: target, headers: headers, useAuth: "Bearer " + ch.Account.APIKey}, nil
}

// captureInbound records a token seen on an official call and returns the
// token to forward with. A rejected capture keeps the stored token.
func (f *Forwarder) captureInbound(ch channel.Channel, inbound string) string {
	stored := ch.Account.CapturedAuthorization
	token := util.BearerToken(inbound)
	if token == "" || token == stored {
		return stored
	}
	if ch.Account.EmailAddress == "" {
		if stored != "" {
			return stored
		}
		return token
	}

	result, err := f.registry.RecordCapturedAuthorization(ch.Account.EmailAddress, token)
	middleware.RecordCapture(result.String())
	entry := log.WithFields(log.Fields{
		"account": ch.Account.Label(),
		"token":   util.MaskSecret(token),
		"result":  result.String(),
	})
	if err != nil {
		entry.Warnf("could not record captured authorization: %v", err)
	} else if result == channel.CaptureApplied {
		entry.Info("captured authorization")
	}

	switch {
	case result == channel.CaptureApplied:
		return token
	case stored != "":
		return stored
	case result == channel.CaptureRejectedConflict:
		return ""
	default:
		return token
	}
}

func (f *Forwarder) abort(c *gin.Context, appErr *apperrors.AppError) {
	c.Data(appErr.HTTPStatusCode, "application/json", appErr.ToJSON())
	c.Abort()
}

// streamBody flushes every upstream chunk to the client as it arrives.
func streamBody(c *gin.Context, resp *http.Response, entry *log.Entry) int64 {
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			written, errWrite := c.Writer.Write(buf[:n])
			total += int64(written)
			if errWrite != nil {
				entry.Debugf("client disconnected during stream after %d bytes", total)
				return total
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				entry.Warnf("upstream error during stream: %v", err)
			}
			return total
		}
	}
}

// cloneForwardHeaders copies h minus hop-by-hop headers, including any listed
// in the Connection header.
func cloneForwardHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	connectionListed := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connectionListed[strings.ToLower(name)] = true
			}
		}
	}
	for key, values := range h {
		lower := strings.ToLower(key)
		if isHopByHopHeader(key) || connectionListed[lower] {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case a == "":
		return b
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
