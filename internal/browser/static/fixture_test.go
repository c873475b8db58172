package static_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harness/internal/browser/static"
)

const shopPage = `<!DOCTYPE html>
<html><head><title> Shop </title></head>
<body>
  <h1 id="title">Welcome</h1>
  <a id="next" href="/next">Next
     page</a>
  <a id="offer" href="/popup" target="_blank">Open offer</a>
  <div id="hidden" hidden>secret</div>
  <p id="styled" style="display: none">gone</p>
  <button id="off" disabled>Off</button>
  <fieldset disabled><input id="in-fieldset" name="f"></fieldset>
  <form action="/submit" method="post">
    <input name="q" id="q" value="">
    <input type="checkbox" name="agree" id="agree">
    <select id="colors" name="colors" multiple>
      <option value="r">Red</option>
      <option value="g">Green</option>
      <option>Blue</option>
    </select>
    <textarea name="note" id="note">hi</textarea>
    <input type="file" id="avatar" name="avatar">
    <button id="send">Send</button>
  </form>
  <my-card id="card"><template shadowrootmode="open"><span class="inner">Shadowed</span><button id="shadow-btn">Go</button></template></my-card>
  <iframe id="frame" srcdoc="<input id='inner' name='inner'><p id='greeting'>Hi from frame</p>"></iframe>
  <iframe id="remote" src="/frame"></iframe>
  <span id="status">Idle</span>
  <button id="load" type="button">Load</button>
</body></html>`

const framePage = `<html><body>
  <input id="inner2">
  <iframe id="nested" srcdoc="<b id='deep'>deep</b>"></iframe>
</body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, body)
		}
	}
	mux.HandleFunc("/{$}", page(shopPage))
	mux.HandleFunc("/frame", page(framePage))
	mux.HandleFunc("/next", page(`<html><head><title>Next</title></head><body><p id="here">next</p></body></html>`))
	mux.HandleFunc("/nested", page(`<html><body><div class="c"><div class="c"><span>only</span></div></div></body></html>`))
	mux.HandleFunc("/popup", page(`<html><head><title>Offer</title></head><body><p id="deal">50% off</p></body></html>`))
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusFound)
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><p id="echo">%s %s</p></body></html>`, r.Method, r.PostForm.Encode())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// openShop returns a browser showing the shop page.
func openShop(t *testing.T) (*static.Browser, *httptest.Server) {
	t.Helper()
	srv := newServer(t)
	b, err := static.New(static.Config{UserAgent: "harness-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	require.NoError(t, b.Navigate(context.Background(), srv.URL+"/"))
	return b, srv
}
