package collab

import (
	"context"
	"sync"
)

// an in-memory provider whose state is driven by the test
type fakeProvider struct {
	stateLock       sync.Mutex
	synced          bool
	hasLocalChanges bool
	status          ConnectionStatus
	connectCount    int
	destroyed       bool

	syncCallbacks             *CallbackList[SyncFunction]
	localChangesCallbacks     *CallbackList[LocalChangesFunction]
	connectionStatusCallbacks *CallbackList[ConnectionStatusFunction]
	connectionCloseCallbacks  *CallbackList[ConnectionCloseFunction]
	connectionErrorCallbacks  *CallbackList[ConnectionErrorFunction]
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		status:                    ConnectionStatusOffline,
		syncCallbacks:             NewCallbackList[SyncFunction](),
		localChangesCallbacks:     NewCallbackList[LocalChangesFunction](),
		connectionStatusCallbacks: NewCallbackList[ConnectionStatusFunction](),
		connectionCloseCallbacks:  NewCallbackList[ConnectionCloseFunction](),
		connectionErrorCallbacks:  NewCallbackList[ConnectionErrorFunction](),
	}
}

func (self *fakeProvider) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

func (self *fakeProvider) HasLocalChanges() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hasLocalChanges
}

func (self *fakeProvider) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *fakeProvider) OnSync(callback SyncFunction) func() {
	return self.syncCallbacks.Subscribe(callback)
}

func (self *fakeProvider) OnLocalChanges(callback LocalChangesFunction) func() {
	return self.localChangesCallbacks.Subscribe(callback)
}

func (self *fakeProvider) OnConnectionStatus(callback ConnectionStatusFunction) func() {
	return self.connectionStatusCallbacks.Subscribe(callback)
}

func (self *fakeProvider) OnConnectionClose(callback ConnectionCloseFunction) func() {
	return self.connectionCloseCallbacks.Subscribe(callback)
}

func (self *fakeProvider) OnConnectionError(callback ConnectionErrorFunction) func() {
	return self.connectionErrorCallbacks.Subscribe(callback)
}

func (self *fakeProvider) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connectCount += 1
}

func (self *fakeProvider) Disconnect() {
}

func (self *fakeProvider) Destroy() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.destroyed = true
}

func (self *fakeProvider) Destroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

func (self *fakeProvider) ConnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCount
}

// the number of registered listeners across all event kinds
func (self *fakeProvider) ListenerCount() int {
	return self.syncCallbacks.Len() +
		self.localChangesCallbacks.Len() +
		self.connectionStatusCallbacks.Len() +
		self.connectionCloseCallbacks.Len() +
		self.connectionErrorCallbacks.Len()
}

func (self *fakeProvider) SetSynced(synced bool) {
	self.stateLock.Lock()
	self.synced = synced
	self.stateLock.Unlock()
	for _, callback := range self.syncCallbacks.Get() {
		callback(synced)
	}
}

func (self *fakeProvider) SetLocalChanges(hasLocalChanges bool) {
	self.stateLock.Lock()
	self.hasLocalChanges = hasLocalChanges
	self.stateLock.Unlock()
	for _, callback := range self.localChangesCallbacks.Get() {
		callback(hasLocalChanges)
	}
}

func (self *fakeProvider) SetStatus(status ConnectionStatus) {
	self.stateLock.Lock()
	self.status = status
	self.stateLock.Unlock()
	for _, callback := range self.connectionStatusCallbacks.Get() {
		callback(status)
	}
}

func (self *fakeProvider) Close(err error) {
	for _, callback := range self.connectionCloseCallbacks.Get() {
		callback(err)
	}
}

func (self *fakeProvider) Error(err error) {
	for _, callback := range self.connectionErrorCallbacks.Get() {
		callback(err)
	}
}

// creates docs in the doc map and hands out fake providers in order
type fakeProviderFactory struct {
	stateLock sync.Mutex
	providers []*fakeProvider
	// when set, the doc is removed from the map after creation
	dropDoc bool
	err     error
	// when set, providers are created already synced
	synced bool

	// when set, `Create` signals `entered` then waits for `release` to close
	entered chan struct{}
	release chan struct{}
}

func (self *fakeProviderFactory) Create(ctx context.Context, docId string, docMap *DocMap) (*ProviderResult, error) {
	if self.release != nil {
		select {
		case self.entered <- struct{}{}:
		default:
		}
		<-self.release
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err != nil {
		return nil, self.err
	}
	doc, created := docMap.GetOrCreate(docId)
	if created {
		doc.EnsureRoot(DefaultRootName)
	}
	if self.dropDoc {
		docMap.Delete(docId)
	}
	provider := newFakeProvider()
	provider.synced = self.synced
	self.providers = append(self.providers, provider)
	return &ProviderResult{
		Provider: provider,
		Doc:      doc,
	}, nil
}

func (self *fakeProviderFactory) Last() *fakeProvider {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.providers) == 0 {
		return nil
	}
	return self.providers[len(self.providers)-1]
}

func (self *fakeProviderFactory) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.providers)
}
