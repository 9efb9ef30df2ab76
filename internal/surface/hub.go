// Package surface serves live-reload websockets. Every connected browser
// page is a domain.Surface the agent can refresh.
package surface

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

const (
	// SocketPath is where pages connect for reload notifications.
	SocketPath = "/devmon/ws"

	// ScriptPath serves the client script that opens the socket.
	ScriptPath = "/devmon/reload.js"

	writeWait = 5 * time.Second
)

// Message is the JSON frame pushed to a page.
type Message struct {
	Type        string `json:"type"`
	IgnoreCache bool   `json:"ignoreCache,omitempty"`
}

// Hello is the optional first frame a page sends.
type Hello struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks connected pages.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	order   []string
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Surfaces returns connected pages in connection order.
func (h *Hub) Surfaces() []domain.Surface {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.Surface, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.clients[id])
	}
	return out
}

// Len returns the number of connected pages.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

// Handler mounts the socket and script endpoints in front of next. A nil next
// answers 404 for every other path. Responses from next are never cached and
// HTML pages get the client script.
func (h *Hub) Handler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(SocketPath, h.HandleWebSocket)
	mux.HandleFunc(ScriptPath, HandleScript)
	mux.Handle("/", NoCache(next))
	return mux
}

// NoCache serves next with caching disabled and injects the client script
// into text/html responses. Conditional request headers are dropped so every
// reload fetches full content.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del("If-Modified-Since")
		r.Header.Del("If-None-Match")

		iw := &injectWriter{ResponseWriter: w, head: r.Method == http.MethodHead}
		next.ServeHTTP(iw, r)
		iw.finish()
	})
}

// injectWriter holds back HTML bodies until the handler is done.
type injectWriter struct {
	http.ResponseWriter
	head        bool
	wroteHeader bool
	status      int
	html        bool
	buf         bytes.Buffer
}

func (w *injectWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code

	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store")
	hdr.Del("ETag")
	hdr.Del("Last-Modified")
	w.html = strings.HasPrefix(hdr.Get("Content-Type"), "text/html")
	if w.html {
		hdr.Del("Content-Length")
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *injectWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.html {
		return w.buf.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

func (w *injectWriter) finish() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.html {
		return
	}
	var body []byte
	if !w.head {
		body = InjectScript(w.buf.Bytes())
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.ResponseWriter.WriteHeader(w.status)
	_, _ = w.ResponseWriter.Write(body)
}

// HandleWebSocket upgrades the request and registers the page until it
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{id: uuid.NewString(), conn: conn, url: r.Header.Get("Referer")}
	h.add(c)
	defer h.remove(c)

	for {
		var hello Hello
		if err := conn.ReadJSON(&hello); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("surface", c.id), zap.Error(err))
			}
			return
		}
		if hello.Type == "hello" && hello.URL != "" {
			c.setURL(hello.URL)
			h.logger.Debug("surface connected", zap.String("surface", c.id), zap.String("url", hello.URL))
		}
	}
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.order = append(h.order, c.id)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for i, id := range h.order {
		if id == c.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	c.close()
}

// Client is one connected page.
type Client struct {
	id   string
	conn *websocket.Conn

	mu  sync.Mutex
	url string
}

// ID returns the page's connection ID.
func (c *Client) ID() string {
	return c.id
}

// URL returns the page address, when the page reported it.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Client) setURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = url
}

// ReloadIgnoringCache tells the page to reload, bypassing its cache.
func (c *Client) ReloadIgnoringCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(Message{Type: "reload", IgnoreCache: true})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
	c.conn.Close()
}

// Ensure Client implements domain.Surface.
var _ domain.Surface = (*Client)(nil)

const script = `(function () {
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  var ws = new WebSocket(proto + "//" + location.host + "` + SocketPath + `");
  ws.onopen = function () {
    ws.send(JSON.stringify({ type: "hello", url: location.href }));
  };
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    if (msg.type !== "reload") return;
    if (msg.ignoreCache && "caches" in window) {
      caches.keys().then(function (keys) {
        return Promise.all(keys.map(function (k) { return caches.delete(k); }));
      }).finally(function () { location.reload(); });
      return;
    }
    location.reload();
  };
})();
`

// HandleScript serves the client script.
func HandleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(script))
}

var scriptTag = []byte(`<script src="` + ScriptPath + `"></script>`)

// InjectScript adds the client script tag before </body>, or appends it when
// the document has no body end tag.
func InjectScript(html []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(html), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte{}, html...), scriptTag...)
	}
	out := make([]byte, 0, len(html)+len(scriptTag))
	out = append(out, html[:idx]...)
	out = append(out, scriptTag...)
	return append(out, html[idx:]...)
}
