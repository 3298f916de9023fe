package collab

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/collab/protocol"
)

// provider connection state machine is:
// ConnectionStatusOffline
//
//	-> ConnectionStatusConnecting (fetching the auth token)
//	  -> ConnectionStatusError (auth or dial failed, reconnect after timeout)
//	  -> ConnectionStatusHandshaking (dialing the token url)
//	    -> ConnectionStatusConnected
//	      -> ConnectionStatusOffline (closed, reconnect after timeout)
type ConnectionStatus string

const (
	ConnectionStatusOffline      ConnectionStatus = "offline"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusHandshaking  ConnectionStatus = "handshaking"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusError        ConnectionStatus = "error"
)

type SyncFunction = func(synced bool)
type LocalChangesFunction = func(hasLocalChanges bool)
type ConnectionStatusFunction = func(status ConnectionStatus)
type ConnectionCloseFunction = func(err error)
type ConnectionErrorFunction = func(err error)

// Provider moves updates between a local doc replica and the collaboration
// service. Every `On*` returns an idempotent unsubscribe.
type Provider interface {
	Synced() bool
	HasLocalChanges() bool
	Status() ConnectionStatus

	OnSync(callback SyncFunction) func()
	OnLocalChanges(callback LocalChangesFunction) func()
	OnConnectionStatus(callback ConnectionStatusFunction) func()
	OnConnectionClose(callback ConnectionCloseFunction) func()
	OnConnectionError(callback ConnectionErrorFunction) func()

	Connect()
	Disconnect()
	Destroy()
}

type AuthEndpointFunction = func(ctx context.Context) (*AuthToken, error)

const ProviderSendBufferSize = 32

type WsProviderSettings struct {
	AuthTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration

	// replay and persist updates through `LocalStore`
	OfflineSupport bool
	LocalStore     *LocalStore
}

func DefaultWsProviderSettings() *WsProviderSettings {
	return &WsProviderSettings{
		AuthTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// spaces connection attempts at least `timeout` apart, measured from the attempt start
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	if remaining <= 0 {
		remaining = 0
	}
	return time.After(remaining)
}

// an open websocket. `ready` is set once sync step 2 has been applied.
type providerConn struct {
	ctx   context.Context
	send  chan []byte
	ready bool
}

func (self *providerConn) write(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- message:
		return true
	}
}

// WsProvider syncs one doc over a websocket.
//
// Once destroyed, every operation is a no-op. `Connect` after `Destroy` does not dial.
type WsProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	docId        string
	doc          *Doc
	authEndpoint AuthEndpointFunction
	settings     *WsProviderSettings
	dialer       *websocket.Dialer

	stateLock sync.Mutex
	destroyed bool
	// incremented on every connect and disconnect. Events from a stale run are dropped.
	runId       uint64
	runCancel   context.CancelFunc
	conn        *providerConn
	synced      bool
	status      ConnectionStatus
	pendingIds  map[Id]bool
	cacheLoaded bool

	syncCallbacks             *CallbackList[SyncFunction]
	localChangesCallbacks     *CallbackList[LocalChangesFunction]
	connectionStatusCallbacks *CallbackList[ConnectionStatusFunction]
	connectionCloseCallbacks  *CallbackList[ConnectionCloseFunction]
	connectionErrorCallbacks  *CallbackList[ConnectionErrorFunction]

	unsubscribeDoc func()
}

// the provider does not dial until `Connect`
func NewWsProvider(
	ctx context.Context,
	docId string,
	doc *Doc,
	authEndpoint AuthEndpointFunction,
	settings *WsProviderSettings,
) *WsProvider {
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &WsProvider{
		ctx:          cancelCtx,
		cancel:       cancel,
		docId:        docId,
		doc:          doc,
		authEndpoint: authEndpoint,
		settings:     settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		status:                    ConnectionStatusOffline,
		pendingIds:                map[Id]bool{},
		syncCallbacks:             NewCallbackList[SyncFunction](),
		localChangesCallbacks:     NewCallbackList[LocalChangesFunction](),
		connectionStatusCallbacks: NewCallbackList[ConnectionStatusFunction](),
		connectionCloseCallbacks:  NewCallbackList[ConnectionCloseFunction](),
		connectionErrorCallbacks:  NewCallbackList[ConnectionErrorFunction](),
	}
	provider.unsubscribeDoc = doc.OnUpdate(provider.docUpdate)
	return provider
}

func (self *WsProvider) offline() bool {
	return self.settings.OfflineSupport && self.settings.LocalStore != nil
}

func (self *WsProvider) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

func (self *WsProvider) HasLocalChanges() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.pendingIds)
}

func (self *WsProvider) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *WsProvider) OnSync(callback SyncFunction) func() {
	return self.syncCallbacks.Subscribe(callback)
}

func (self *WsProvider) OnLocalChanges(callback LocalChangesFunction) func() {
	return self.localChangesCallbacks.Subscribe(callback)
}

func (self *WsProvider) OnConnectionStatus(callback ConnectionStatusFunction) func() {
	return self.connectionStatusCallbacks.Subscribe(callback)
}

func (self *WsProvider) OnConnectionClose(callback ConnectionCloseFunction) func() {
	return self.connectionCloseCallbacks.Subscribe(callback)
}

func (self *WsProvider) OnConnectionError(callback ConnectionErrorFunction) func() {
	return self.connectionErrorCallbacks.Subscribe(callback)
}

func (self *WsProvider) Connect() {
	self.stateLock.Lock()
	if self.destroyed || self.runCancel != nil {
		self.stateLock.Unlock()
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runId += 1
	runId := self.runId
	self.runCancel = runCancel
	loadCache := self.offline() && !self.cacheLoaded
	self.cacheLoaded = true
	self.stateLock.Unlock()

	if loadCache {
		self.loadLocalCache()
	}

	glog.V(1).Infof("[p]%s connect\n", self.docId)
	go HandleError(func() {
		self.run(runCtx, runId)
	})
}

func (self *WsProvider) Disconnect() {
	self.stateLock.Lock()
	if self.runCancel == nil {
		self.stateLock.Unlock()
		return
	}
	self.runCancel()
	self.runCancel = nil
	self.runId += 1
	self.conn = nil
	wasSynced := self.synced
	self.synced = false
	statusChanged := self.status != ConnectionStatusOffline
	self.status = ConnectionStatusOffline
	self.stateLock.Unlock()

	glog.V(1).Infof("[p]%s disconnect\n", self.docId)
	if wasSynced {
		self.emitSync(false)
	}
	if statusChanged {
		self.emitConnectionStatus(ConnectionStatusOffline)
	}
}

// stops reconnects, disconnects, and releases the doc. Safe to call more than once.
func (self *WsProvider) Destroy() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	self.stateLock.Unlock()

	self.Disconnect()
	self.unsubscribeDoc()
	self.cancel()

	self.syncCallbacks.Clear()
	self.localChangesCallbacks.Clear()
	self.connectionStatusCallbacks.Clear()
	self.connectionCloseCallbacks.Clear()
	self.connectionErrorCallbacks.Clear()
	glog.V(1).Infof("[p]%s destroy\n", self.docId)
}

func (self *WsProvider) loadLocalCache() {
	var updates []*Update
	var err error
	load := func() {
		updates, err = self.settings.LocalStore.Load(self.ctx, self.docId)
	}
	if glog.V(2) {
		Trace(fmt.Sprintf("[p]%s local cache load", self.docId), load)
	} else {
		load()
	}
	if err != nil {
		glog.Infof("[p]%s local cache error = %s\n", self.docId, err)
		return
	}
	glog.V(1).Infof("[p]%s local cache %d updates\n", self.docId, len(updates))
	for _, update := range updates {
		self.doc.Apply(update, OriginLocalCache)
	}
}

func (self *WsProvider) docUpdate(update *Update, origin Origin) {
	if self.offline() && origin != OriginLocalCache {
		if err := self.settings.LocalStore.Put(self.ctx, self.docId, update); err != nil {
			glog.Infof("[p]%s local cache put error = %s\n", self.docId, err)
		}
	}

	if origin != OriginLocal {
		return
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	hadLocalChanges := 0 < len(self.pendingIds)
	self.pendingIds[update.Id] = true
	conn := self.conn
	send := conn != nil && conn.ready
	self.stateLock.Unlock()

	if !hadLocalChanges {
		self.emitLocalChanges(true)
	}
	if send {
		conn.write(protocol.EncodeFrame(&protocol.Frame{
			MessageType: protocol.MessageType_Update,
			Updates:     []*protocol.Update{toProtocolUpdate(update)},
		}))
	}
}

func (self *WsProvider) run(runCtx context.Context, runId uint64) {
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[p]connect %s", self.docId), func() (*websocket.Conn, error) {
				return self.dial(runCtx, runId)
			})
		} else {
			ws, err = self.dial(runCtx, runId)
		}
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			glog.Infof("[p]%s connect error = %s\n", self.docId, err)
			if self.setStatus(runId, ConnectionStatusError) {
				self.emitConnectionError(err)
			}
			select {
			case <-runCtx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		err = self.handle(runCtx, runId, ws)
		if runCtx.Err() != nil {
			return
		}
		glog.Infof("[p]%s connection closed = %s\n", self.docId, err)
		if self.closed(runId) {
			self.emitConnectionClose(err)
		}

		select {
		case <-runCtx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WsProvider) dial(runCtx context.Context, runId uint64) (*websocket.Conn, error) {
	self.setStatus(runId, ConnectionStatusConnecting)

	authCtx, authCancel := context.WithTimeout(runCtx, self.settings.AuthTimeout)
	defer authCancel()
	token, err := self.authEndpoint(authCtx)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if glog.V(2) {
		if claims, err := token.Claims(); err == nil {
			glog.Infof("[p]%s token doc=%s expires=%s\n", self.docId, claims.DocId, claims.ExpiresAt)
		}
	}

	self.setStatus(runId, ConnectionStatusHandshaking)

	header := http.Header{}
	if token.Token != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", token.Token))
	}
	ws, _, err := self.dialer.DialContext(runCtx, token.Url, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return ws, nil
}

func (self *WsProvider) handle(runCtx context.Context, runId uint64, ws *websocket.Conn) error {
	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	// unblocks the read loop
	stopClose := context.AfterFunc(handleCtx, func() {
		ws.Close()
	})
	defer func() {
		if stopClose() {
			ws.Close()
		}
	}()

	conn := &providerConn{
		ctx:  handleCtx,
		send: make(chan []byte, ProviderSendBufferSize),
	}

	self.stateLock.Lock()
	if self.runId != runId {
		self.stateLock.Unlock()
		return ErrProviderDestroyed
	}
	self.conn = conn
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()
	}()

	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-conn.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ps]%s-> error = %s\n", self.docId, err)
					return
				}
				glog.V(2).Infof("[ps]%s->\n", self.docId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	})

	if self.setStatus(runId, ConnectionStatusConnected) {
		glog.V(1).Infof("[p]%s connected\n", self.docId)
	}

	conn.write(protocol.EncodeFrame(&protocol.Frame{
		MessageType: protocol.MessageType_SyncStep1,
		Ids:         idsToBytes(self.doc.Ids().ToSlice()),
	}))

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			glog.V(2).Infof("[pr]other=%d %s<-\n", messageType, self.docId)
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			return err
		}
		glog.V(2).Infof("[pr]%s %s<-\n", frame.MessageType, self.docId)

		switch frame.MessageType {
		case protocol.MessageType_SyncStep2:
			self.syncStep2(runId, conn, frame)
		case protocol.MessageType_Update:
			for _, protocolUpdate := range frame.Updates {
				update, err := fromProtocolUpdate(protocolUpdate)
				if err != nil {
					return err
				}
				self.doc.Apply(update, OriginRemote)
			}
		case protocol.MessageType_Ack:
			self.ack(runId, frame.Ids)
		}
	}
}

// applies the server's updates, then pushes what the server is missing
func (self *WsProvider) syncStep2(runId uint64, conn *providerConn, frame *protocol.Frame) {
	for _, protocolUpdate := range frame.Updates {
		update, err := fromProtocolUpdate(protocolUpdate)
		if err != nil {
			glog.Infof("[p]%s bad update = %s\n", self.docId, err)
			continue
		}
		self.doc.Apply(update, OriginRemote)
	}

	serverIds := mapset.NewThreadUnsafeSet[Id]()
	for _, idBytes := range frame.Ids {
		if id, err := IdFromBytes(idBytes); err == nil {
			serverIds.Add(id)
		}
	}

	self.stateLock.Lock()
	if self.runId != runId {
		self.stateLock.Unlock()
		return
	}
	// local updates applied from here on are sent directly by `docUpdate`
	conn.ready = true
	hadLocalChanges := 0 < len(self.pendingIds)
	for id := range self.pendingIds {
		if serverIds.Contains(id) {
			delete(self.pendingIds, id)
		}
	}
	missing := self.doc.Missing(serverIds)
	for _, update := range missing {
		self.pendingIds[update.Id] = true
	}
	hasLocalChanges := 0 < len(self.pendingIds)
	wasSynced := self.synced
	self.synced = true
	self.stateLock.Unlock()

	if 0 < len(missing) {
		protocolUpdates := make([]*protocol.Update, 0, len(missing))
		for _, update := range missing {
			protocolUpdates = append(protocolUpdates, toProtocolUpdate(update))
		}
		conn.write(protocol.EncodeFrame(&protocol.Frame{
			MessageType: protocol.MessageType_Update,
			Updates:     protocolUpdates,
		}))
	}

	if hadLocalChanges != hasLocalChanges {
		self.emitLocalChanges(hasLocalChanges)
	}
	if !wasSynced {
		self.emitSync(true)
	}
}

func (self *WsProvider) ack(runId uint64, ids [][]byte) {
	self.stateLock.Lock()
	if self.runId != runId {
		self.stateLock.Unlock()
		return
	}
	hadLocalChanges := 0 < len(self.pendingIds)
	for _, idBytes := range ids {
		if id, err := IdFromBytes(idBytes); err == nil {
			delete(self.pendingIds, id)
		}
	}
	hasLocalChanges := 0 < len(self.pendingIds)
	self.stateLock.Unlock()

	if hadLocalChanges && !hasLocalChanges {
		self.emitLocalChanges(false)
	}
}

// returns true if the status changed
func (self *WsProvider) setStatus(runId uint64, status ConnectionStatus) bool {
	self.stateLock.Lock()
	if self.runId != runId || self.status == status {
		self.stateLock.Unlock()
		return false
	}
	self.status = status
	self.stateLock.Unlock()

	self.emitConnectionStatus(status)
	return true
}

// returns true if the close belongs to the current run
func (self *WsProvider) closed(runId uint64) bool {
	self.stateLock.Lock()
	if self.runId != runId {
		self.stateLock.Unlock()
		return false
	}
	wasSynced := self.synced
	self.synced = false
	self.stateLock.Unlock()

	if wasSynced {
		self.emitSync(false)
	}
	self.setStatus(runId, ConnectionStatusOffline)
	return true
}

func (self *WsProvider) emitSync(synced bool) {
	for _, callback := range self.syncCallbacks.Get() {
		HandleError(func() {
			callback(synced)
		})
	}
}

func (self *WsProvider) emitLocalChanges(hasLocalChanges bool) {
	for _, callback := range self.localChangesCallbacks.Get() {
		HandleError(func() {
			callback(hasLocalChanges)
		})
	}
}

func (self *WsProvider) emitConnectionStatus(status ConnectionStatus) {
	for _, callback := range self.connectionStatusCallbacks.Get() {
		HandleError(func() {
			callback(status)
		})
	}
}

func (self *WsProvider) emitConnectionClose(err error) {
	for _, callback := range self.connectionCloseCallbacks.Get() {
		HandleError(func() {
			callback(err)
		})
	}
}

func (self *WsProvider) emitConnectionError(err error) {
	for _, callback := range self.connectionErrorCallbacks.Get() {
		HandleError(func() {
			callback(err)
		})
	}
}

func toProtocolUpdate(update *Update) *protocol.Update {
	return &protocol.Update{
		Id:   update.Id.Bytes(),
		Data: update.Data,
	}
}

func fromProtocolUpdate(protocolUpdate *protocol.Update) (*Update, error) {
	id, err := IdFromBytes(protocolUpdate.Id)
	if err != nil {
		return nil, err
	}
	return &Update{
		Id:   id,
		Data: protocolUpdate.Data,
	}, nil
}

func idsToBytes(ids []Id) [][]byte {
	idsBytes := make([][]byte, 0, len(ids))
	for _, id := range ids {
		idsBytes = append(idsBytes, id.Bytes())
	}
	return idsBytes
}
