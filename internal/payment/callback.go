package payment

import (
	"context"
	"errors"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/common"
)

// CallbackGateway serves a one-shot local page that opens the hosted widget in the
// shopper's browser and receives the handler payload back over HTTP.
type CallbackGateway struct {
	// Addr is the listen address; defaults to an ephemeral loopback port.
	Addr string
	// ScriptURL is the widget loader; defaults to the hosted checkout script.
	ScriptURL string
	// OnReady is told the page URL once the listener is up.
	OnReady func(url string)
	Logger  zerolog.Logger
}

const defaultScriptURL = "https://checkout.razorpay.com/v1/checkout.js"

var pageTemplate = template.Must(template.New("pay").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Pay</title>
<script src="{{.Script}}"></script></head>
<body><p>Opening payment&hellip;</p>
<script>
const opts = {{.Options}};
const post = (path, body) => fetch(path, {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify(body || {})})
  .then(() => { document.body.innerText = "You can close this tab."; });
opts.handler = (resp) => post("/confirm", resp);
opts.modal = {ondismiss: () => post("/dismiss")};
new Razorpay(opts).open();
</script></body></html>`))

// Open serves the page for opts and blocks until the browser posts a confirmation or a
// dismissal, or ctx ends.
func (g CallbackGateway) Open(ctx context.Context, opts Options) (Confirmation, error) {
	addr := g.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Confirmation{}, common.Gateway("could not start the local payment page", err)
	}

	type result struct {
		c   Confirmation
		err error
	}
	done := make(chan result, 1)
	finish := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	script := g.ScriptURL
	if script == "" {
		script = defaultScriptURL
	}
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pageTemplate.Execute(w, map[string]any{"Script": script, "Options": opts}); err != nil {
			g.Logger.Error().Err(err).Msg("payment_page_render_failed")
		}
	})
	r.Post("/confirm", func(w http.ResponseWriter, req *http.Request) {
		var c Confirmation
		if err := common.DecodeJSON(req, &c); err != nil {
			common.WriteError(w, req, err)
			return
		}
		checked, err := c.Check(opts.OrderID)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, string(common.KindGateway), err.Error(), nil)
			if errors.Is(err, ErrOrderMismatch) {
				return
			}
			finish(result{err: err})
			return
		}
		common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"received": true}})
		finish(result{c: checked})
	})
	r.Post("/dismiss", func(w http.ResponseWriter, _ *http.Request) {
		common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"received": true}})
		finish(result{err: ErrAbandoned})
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.Logger.Error().Err(err).Msg("payment_page_serve_failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	url := "http://" + ln.Addr().String() + "/"
	g.Logger.Info().Str("url", url).Str("gateway_order_id", opts.OrderID).Msg("payment_page_ready")
	if g.OnReady != nil {
		g.OnReady(url)
	}

	select {
	case <-ctx.Done():
		return Confirmation{}, ctx.Err()
	case res := <-done:
		return res.c, res.err
	}
}
