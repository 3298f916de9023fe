package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/bringyour/collab/collab/server"
)

const DefaultAdminAddr = "localhost:9090"

// AdminApi exposes doc inspection and reset for operators.
// It listens separately from the public routes, by default on loopback only.
type AdminApi struct {
	server       *http.Server
	collabServer *server.Server
}

type AdminApiOptions struct {
	Addr string
}

func (self *AdminApiOptions) AreValid() error {
	if self.Addr == "" {
		return fmt.Errorf("admin addr is required")
	}
	return nil
}

type adminDoc struct {
	DocId       string `json:"doc_id"`
	UpdateCount int    `json:"update_count"`
	PeerCount   int    `json:"peer_count"`
}

func newAdminRouter(api *AdminApi) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	// list docs
	router.GET("/docs", func(c *gin.Context) { api.listDocs(c) })
	// one doc
	router.GET("/docs/:doc_id", func(c *gin.Context) { api.getDoc(c) })
	// drop every doc and disconnect every peer
	router.POST("/reset", func(c *gin.Context) { api.reset(c) })
	return router
}

func startAdminApi(o AdminApiOptions, collabServer *server.Server, errorCallback func(err error)) (*AdminApi, error) {
	if err := o.AreValid(); err != nil {
		return nil, fmt.Errorf("invalid admin options: %w", err)
	}

	api := &AdminApi{
		collabServer: collabServer,
	}
	api.server = &http.Server{
		Addr:    o.Addr,
		Handler: newAdminRouter(api),
	}
	glog.V(1).Infof("[admin]started at %s\n", o.Addr)

	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("[admin]listen error = %s\n", err)
			errorCallback(err)
		}
	}()

	return api, nil
}

func (self *AdminApi) stop() {
	if self.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := self.server.Shutdown(ctx); err != nil {
		glog.Errorf("[admin]forced to shutdown = %s\n", err)
	}
	self.server = nil
}

func (self *AdminApi) doc(docId string) *adminDoc {
	return &adminDoc{
		DocId:       docId,
		UpdateCount: self.collabServer.UpdateCount(docId),
		PeerCount:   self.collabServer.PeerCount(docId),
	}
}

func (self *AdminApi) listDocs(c *gin.Context) {
	docs := []*adminDoc{}
	for _, docId := range self.collabServer.DocIds() {
		docs = append(docs, self.doc(docId))
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}

func (self *AdminApi) getDoc(c *gin.Context) {
	docId := c.Param("doc_id")
	for _, existingDocId := range self.collabServer.DocIds() {
		if existingDocId == docId {
			c.JSON(http.StatusOK, self.doc(docId))
			return
		}
	}
	c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %s", http.StatusNotFound, docId))
}

func (self *AdminApi) reset(c *gin.Context) {
	docCount := len(self.collabServer.DocIds())
	self.collabServer.Reset()
	glog.Infof("[admin]reset %d docs\n", docCount)
	c.JSON(http.StatusOK, gin.H{"reset_count": docCount})
}
