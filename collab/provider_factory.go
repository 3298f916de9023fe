package collab

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

type RuntimeSettings struct {
	DocClientSettings  *DocClientSettings
	CapabilitySettings *CapabilitySettings
	LocalStoreSettings *LocalStoreSettings
	ProviderSettings   *WsProviderSettings
}

func DefaultRuntimeSettings() *RuntimeSettings {
	return &RuntimeSettings{
		DocClientSettings:  DefaultDocClientSettings(),
		CapabilitySettings: DefaultCapabilitySettings(),
		LocalStoreSettings: DefaultLocalStoreSettings(),
		ProviderSettings:   DefaultWsProviderSettings(),
	}
}

// Runtime owns the state shared by every provider in a process:
// the request-coalescing doc client, the capability decision, and the offline store.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RuntimeSettings

	docClient       *DocClient
	capabilityProbe *CapabilityProbe

	storeLock  sync.Mutex
	localStore *LocalStore
}

func NewRuntime(ctx context.Context, settings *RuntimeSettings) *Runtime {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Runtime{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		docClient:       NewDocClient(cancelCtx, settings.DocClientSettings),
		capabilityProbe: NewCapabilityProbe(settings.CapabilitySettings),
	}
}

func (self *Runtime) DocClient() *DocClient {
	return self.docClient
}

func (self *Runtime) CapabilityProbe() *CapabilityProbe {
	return self.capabilityProbe
}

// the shared offline store, opened on first use
func (self *Runtime) LocalStore() (*LocalStore, error) {
	self.storeLock.Lock()
	defer self.storeLock.Unlock()

	if self.localStore == nil {
		localStore, err := OpenLocalStore(self.settings.CapabilitySettings.StateDir, self.settings.LocalStoreSettings)
		if err != nil {
			return nil, err
		}
		self.localStore = localStore
	}
	return self.localStore, nil
}

func (self *Runtime) Close() {
	self.cancel()
	self.docClient.Close()

	self.storeLock.Lock()
	defer self.storeLock.Unlock()
	if self.localStore != nil {
		if err := self.localStore.Close(); err != nil {
			glog.Infof("[rt]local store close error = %s\n", err)
		}
		self.localStore = nil
	}
}

type ProviderResult struct {
	Provider Provider
	Doc      *Doc
}

type ProviderFactory interface {
	Create(ctx context.Context, docId string, docMap *DocMap) (*ProviderResult, error)
}

// WsProviderFactory builds one websocket provider per doc id against `origin`.
type WsProviderFactory struct {
	runtime *Runtime
	origin  *url.URL
}

func NewProviderFactory(runtime *Runtime, origin string) (*WsProviderFactory, error) {
	originUrl, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if originUrl.Scheme == "" || originUrl.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute url: %s", origin)
	}
	return &WsProviderFactory{
		runtime: runtime,
		origin:  originUrl,
	}, nil
}

func (self *WsProviderFactory) Create(ctx context.Context, docId string, docMap *DocMap) (*ProviderResult, error) {
	doc, created := docMap.GetOrCreate(docId)
	if created {
		// bridges read the root before any listener is attached
		doc.EnsureRoot(DefaultRootName)
	}

	endpoints := NewDocEndpoints(self.origin.String(), docId)
	docClient := self.runtime.DocClient()
	authEndpoint := func(ctx context.Context) (*AuthToken, error) {
		token, err := docClient.GetAuthToken(ctx, docId, endpoints)
		if err != nil {
			return nil, err
		}
		// the fetched token is shared by coalesced callers. Rewrite a copy.
		return token.Rewrite(self.origin)
	}

	providerSettings := *self.runtime.settings.ProviderSettings
	decision := self.runtime.CapabilityProbe().Decision(ctx)
	providerSettings.OfflineSupport = decision.Enabled
	providerSettings.LocalStore = nil
	if decision.Enabled {
		localStore, err := self.runtime.LocalStore()
		if err != nil {
			glog.Infof("[pf]%s local store error = %s. Offline support disabled.\n", docId, err)
			providerSettings.OfflineSupport = false
		} else {
			providerSettings.LocalStore = localStore
		}
	}

	provider := NewWsProvider(self.runtime.ctx, docId, doc, authEndpoint, &providerSettings)
	glog.V(1).Infof("[pf]%s provider offline=%t\n", docId, providerSettings.OfflineSupport)
	return &ProviderResult{
		Provider: provider,
		Doc:      doc,
	}, nil
}
