package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	mathrand "math/rand"

	"canvaspad.com/collab/protocol"
)

type ConnectionCallback func(connected bool)

// raw delivery. The network layer assigns no semantics to payloads beyond
// the type discriminator; the sync manager interprets them.
type MessageCallback func(messageType string, message []byte)

// the contract the core depends on. The websocket implementation below is
// the production transport; tests substitute an in process fake.
type Transport interface {
	SendMessage(message any) error
	AddConnectionCallback(callback ConnectionCallback) func()
	AddMessageCallback(callback MessageCallback) func()
	IsConnected() bool
}

type NetworkSettings struct {
	WsHandshakeTimeout  time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendBufferSize      int
}

func DefaultNetworkSettings() *NetworkSettings {
	return &NetworkSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		SendBufferSize:      32,
	}
}

// persistent bidirectional channel to the relay server with automatic
// reconnection. A reconnect does not re-establish project membership;
// the sync manager re-joins on every connection event because a fresh
// socket is never assumed to still be authenticated.
type NetworkLayer struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *NetworkSettings

	send chan []byte

	stateLock sync.Mutex
	connected bool
	running   bool

	connectionCallbacks *callbackList[ConnectionCallback]
	messageCallbacks    *callbackList[MessageCallback]
}

func NewNetworkLayerWithDefaults(ctx context.Context, url string) *NetworkLayer {
	return NewNetworkLayer(ctx, url, DefaultNetworkSettings())
}

func NewNetworkLayer(ctx context.Context, url string, settings *NetworkSettings) *NetworkLayer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &NetworkLayer{
		ctx:                 cancelCtx,
		cancel:              cancel,
		url:                 url,
		settings:            settings,
		send:                make(chan []byte, settings.SendBufferSize),
		connectionCallbacks: newCallbackList[ConnectionCallback](),
		messageCallbacks:    newCallbackList[MessageCallback](),
	}
}

func (self *NetworkLayer) AddConnectionCallback(callback ConnectionCallback) func() {
	return self.connectionCallbacks.add(callback)
}

func (self *NetworkLayer) AddMessageCallback(callback MessageCallback) func() {
	return self.messageCallbacks.add(callback)
}

func (self *NetworkLayer) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// starts the connect loop. Idempotent.
func (self *NetworkLayer) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.running {
		return
	}
	self.running = true
	go self.run()
}

func (self *NetworkLayer) Close() {
	self.cancel()
}

// non-blocking. A full buffer is an error the caller can queue on; a send
// must never stall the cooperative editing thread.
func (self *NetworkLayer) SendMessage(message any) error {
	if !self.IsConnected() {
		return ErrNotConnected
	}
	messageJson, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case self.send <- messageJson:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (self *NetworkLayer) setConnected(connected bool) {
	self.stateLock.Lock()
	self.connected = connected
	self.stateLock.Unlock()

	for _, callback := range self.connectionCallbacks.get() {
		callback(connected)
	}
}

func (self *NetworkLayer) reconnectDelay(attempt int) time.Duration {
	d := self.settings.ReconnectMinTimeout << attempt
	if self.settings.ReconnectMaxTimeout < d || d <= 0 {
		d = self.settings.ReconnectMaxTimeout
	}
	jitter := time.Duration(mathrand.Float64() * float64(d) / 2)
	return d + jitter
}

func (self *NetworkLayer) run() {
	defer self.cancel()

	attempt := 0
	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[net]connect %s = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.reconnectDelay(attempt)):
				attempt += 1
				continue
			}
		}
		attempt = 0

		self.setConnected(true)
		self.handle(ws)
		self.setConnected(false)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.reconnectDelay(0)):
		}
	}
}

// one connection. Returns when the connection is closed for any reason.
func (self *NetworkLayer) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[net]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[net]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[net]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				self.dispatch(message)
			default:
				glog.V(2).Infof("[net]other=%d<-\n", messageType)
			}
		}
	}()
}

func (self *NetworkLayer) dispatch(message []byte) {
	messageType, err := protocol.PeekType(message)
	if err != nil {
		glog.Infof("[net]bad message = %s\n", err)
		return
	}
	glog.V(2).Infof("[net]%s<-\n", messageType)
	for _, callback := range self.messageCallbacks.get() {
		callback(messageType, message)
	}
}
