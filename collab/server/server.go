package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"

	"github.com/bringyour/collab/protocol"
)

// the reference collaboration server.
// Docs are held in memory. Each doc is a grow-only set of updates keyed by id.
//
// routes:
//   POST /doc/new              {"docId"} -> {"docId"}
//   POST /doc/{docId}/auth     {"docId"} -> {"url", "baseUrl", "token"}, 404 when the doc is missing
//   GET  /doc/{docId}/ws       websocket, `Authorization: Bearer <token>`
//
// ws exchange (see `protocol`):
//   client SyncStep1(ids) -> server SyncStep2(updates the client lacks, all server ids)
//   client Update -> server Ack(ids) to the sender, Update(new updates) to the other peers
//   empty binary messages are pings in both directions

const SendBufferSize = 32

var (
	ErrDocNotFound  = errors.New("doc not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type Settings struct {
	JwtSecret []byte
	TokenTtl  time.Duration
	// ws base url handed out in auth tokens. Empty derives it from the request host.
	PublicUrl string

	PingTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultSettings() *Settings {
	jwtSecret := make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		panic(err)
	}
	return &Settings{
		JwtSecret:    jwtSecret,
		TokenTtl:     15 * time.Minute,
		PingTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

type docArgs struct {
	DocId string `json:"docId"`
}

type authResult struct {
	Url     string `json:"url"`
	BaseUrl string `json:"baseUrl"`
	Token   string `json:"token"`
}

type peer struct {
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
}

func (self *peer) write(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- message:
		return true
	}
}

type serverDoc struct {
	// arrival order
	ids     [][]byte
	updates map[string][]byte
	peers   map[*peer]bool
}

func newServerDoc() *serverDoc {
	return &serverDoc{
		ids:     [][]byte{},
		updates: map[string][]byte{},
		peers:   map[*peer]bool{},
	}
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *Settings
	router   *mux.Router
	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	docs      map[string]*serverDoc
}

func NewWithDefaults(ctx context.Context) *Server {
	return New(ctx, DefaultSettings())
}

func New(ctx context.Context, settings *Settings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		docs: map[string]*serverDoc{},
	}

	// doc ids are path escaped and may contain `/`
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/doc/new", server.handleNew).Methods(http.MethodPost)
	router.HandleFunc("/doc/{docId}/auth", server.handleAuth).Methods(http.MethodPost)
	router.HandleFunc("/doc/{docId}/ws", server.handleWs).Methods(http.MethodGet)
	server.router = router

	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

// drops every doc and disconnects every peer, as if the backing store were wiped
func (self *Server) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for docId, doc := range self.docs {
		for p := range doc.peers {
			p.cancel()
		}
		glog.V(1).Infof("[srv]%s reset\n", docId)
	}
	self.docs = map[string]*serverDoc{}
}

// sorted
func (self *Server) DocIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	docIds := make([]string, 0, len(self.docs))
	for docId := range self.docs {
		docIds = append(docIds, docId)
	}
	slices.Sort(docIds)
	return docIds
}

func (self *Server) UpdateCount(docId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if doc, ok := self.docs[docId]; ok {
		return len(doc.ids)
	}
	return 0
}

func (self *Server) PeerCount(docId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if doc, ok := self.docs[docId]; ok {
		return len(doc.peers)
	}
	return 0
}

func (self *Server) Close() {
	self.cancel()
}

// returns true if the doc was created by this call
func (self *Server) CreateDoc(docId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.docs[docId]; ok {
		return false
	}
	self.docs[docId] = newServerDoc()
	return true
}

func (self *Server) hasDoc(docId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.docs[docId]
	return ok
}

func (self *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	var args docArgs
	if err := readJson(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if args.DocId == "" {
		http.Error(w, "docId required", http.StatusBadRequest)
		return
	}

	if self.CreateDoc(args.DocId) {
		glog.V(1).Infof("[srv]%s created\n", args.DocId)
	}
	writeJson(w, &docArgs{DocId: args.DocId})
}

func (self *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	docId, err := docIdVar(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !self.hasDoc(docId) {
		http.Error(w, ErrDocNotFound.Error(), http.StatusNotFound)
		return
	}

	token, err := self.signToken(docId)
	if err != nil {
		glog.Errorf("[srv]%s sign error = %s\n", docId, err)
		http.Error(w, "sign error", http.StatusInternalServerError)
		return
	}

	baseUrl := self.baseUrl(r)
	writeJson(w, &authResult{
		Url:     fmt.Sprintf("%s/doc/%s/ws", baseUrl, url.PathEscape(docId)),
		BaseUrl: baseUrl,
		Token:   token,
	})
}

func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	docId, err := docIdVar(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := self.verifyToken(r, docId); err != nil {
		glog.Infof("[srv]%s auth error = %s\n", docId, err)
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	if !self.hasDoc(docId) {
		http.Error(w, ErrDocNotFound.Error(), http.StatusNotFound)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the response
		glog.Infof("[srv]%s upgrade error = %s\n", docId, err)
		return
	}

	err = self.servePeer(docId, ws)
	glog.V(1).Infof("[srv]%s peer closed = %s\n", docId, err)
}

func (self *Server) servePeer(docId string, ws *websocket.Conn) error {
	peerCtx, peerCancel := context.WithCancel(self.ctx)
	defer peerCancel()

	stopClose := context.AfterFunc(peerCtx, func() {
		ws.Close()
	})
	defer func() {
		if stopClose() {
			ws.Close()
		}
	}()

	p := &peer{
		ctx:    peerCtx,
		cancel: peerCancel,
		send:   make(chan []byte, SendBufferSize),
	}
	if !self.addPeer(docId, p) {
		return ErrDocNotFound
	}
	defer self.removePeer(docId, p)

	go func() {
		defer peerCancel()

		for {
			select {
			case <-peerCtx.Done():
				return
			case message := <-p.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[srvs]%s-> error = %s\n", docId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			return err
		}
		glog.V(2).Infof("[srvr]%s %s<-\n", frame.MessageType, docId)

		switch frame.MessageType {
		case protocol.MessageType_SyncStep1:
			step2, ok := self.syncStep2(docId, frame.Ids)
			if !ok {
				return ErrDocNotFound
			}
			p.write(protocol.EncodeFrame(step2))
		case protocol.MessageType_Update:
			added, others, ok := self.apply(docId, p, frame.Updates)
			if !ok {
				return ErrDocNotFound
			}
			ackIds := make([][]byte, 0, len(frame.Updates))
			for _, update := range frame.Updates {
				ackIds = append(ackIds, update.Id)
			}
			p.write(protocol.EncodeFrame(&protocol.Frame{
				MessageType: protocol.MessageType_Ack,
				Ids:         ackIds,
			}))
			if 0 < len(added) {
				broadcast := protocol.EncodeFrame(&protocol.Frame{
					MessageType: protocol.MessageType_Update,
					Updates:     added,
				})
				for _, other := range others {
					other.write(broadcast)
				}
			}
		}
	}
}

func (self *Server) addPeer(docId string, p *peer) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.docs[docId]
	if !ok {
		return false
	}
	doc.peers[p] = true
	return true
}

func (self *Server) removePeer(docId string, p *peer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if doc, ok := self.docs[docId]; ok {
		delete(doc.peers, p)
	}
}

// the updates missing from `knownIds`, and every id the server holds
func (self *Server) syncStep2(docId string, knownIds [][]byte) (*protocol.Frame, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.docs[docId]
	if !ok {
		return nil, false
	}

	known := map[string]bool{}
	for _, id := range knownIds {
		known[string(id)] = true
	}

	updates := []*protocol.Update{}
	for _, id := range doc.ids {
		if !known[string(id)] {
			updates = append(updates, &protocol.Update{
				Id:   id,
				Data: doc.updates[string(id)],
			})
		}
	}
	return &protocol.Frame{
		MessageType: protocol.MessageType_SyncStep2,
		Ids:         slices.Clone(doc.ids),
		Updates:     updates,
	}, true
}

// stores new updates and returns them with the peers to forward them to
func (self *Server) apply(docId string, from *peer, updates []*protocol.Update) ([]*protocol.Update, []*peer, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.docs[docId]
	if !ok {
		return nil, nil, false
	}

	added := []*protocol.Update{}
	for _, update := range updates {
		if _, ok := doc.updates[string(update.Id)]; ok {
			continue
		}
		doc.ids = append(doc.ids, update.Id)
		doc.updates[string(update.Id)] = update.Data
		added = append(added, update)
	}

	others := []*peer{}
	for p := range doc.peers {
		if p != from {
			others = append(others, p)
		}
	}
	return added, others, true
}

func (self *Server) signToken(docId string) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"doc_id": docId,
		"iat":    now.Unix(),
		"exp":    now.Add(self.settings.TokenTtl).Unix(),
	})
	return token.SignedString(self.settings.JwtSecret)
}

func (self *Server) verifyToken(r *http.Request, docId string) error {
	authorization := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || tokenStr == "" {
		return errors.New("missing bearer token")
	}

	claims := gojwt.MapClaims{}
	_, err := gojwt.ParseWithClaims(
		tokenStr,
		claims,
		func(token *gojwt.Token) (any, error) {
			return self.settings.JwtSecret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}
	if claimDocId, _ := claims["doc_id"].(string); claimDocId != docId {
		return fmt.Errorf("token is for doc %q", claimDocId)
	}
	return nil
}

func (self *Server) baseUrl(r *http.Request) string {
	if self.settings.PublicUrl != "" {
		return strings.TrimRight(self.settings.PublicUrl, "/")
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func docIdVar(r *http.Request) (string, error) {
	return url.PathUnescape(mux.Vars(r)["docId"])
}

func readJson(r *http.Request, value any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, value)
}

func writeJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		glog.Infof("[srv]write error = %s\n", err)
	}
}
