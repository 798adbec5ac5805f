package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/OneOfOne/xxhash"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/stake-plus/govvote/src/voting"
)

type Proposals struct {
	svc      *voting.Service
	topLimit int
	policy   *bluemonday.Policy
}

// proposalView is a proposal as served: the stored text untouched plus a
// copy safe to drop into an HTML page.
type proposalView struct {
	voting.Proposal
	TextHTML string `json:"textHtml"`
}

func NewProposals(svc *voting.Service, topLimit int) Proposals {
	if topLimit <= 0 {
		topLimit = voting.DefaultTopLimit
	}
	return Proposals{svc: svc, topLimit: topLimit, policy: bluemonday.UGCPolicy()}
}

func (p Proposals) Create(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	m, _ := memberFrom(c)

	created, err := p.svc.Propose(c.Request.Context(), req.Text, m)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p.view(created))
}

func (p Proposals) List(c *gin.Context) {
	list, err := p.svc.Proposals(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	cached(c, p.views(list))
}

func (p Proposals) Top(c *gin.Context) {
	limit := p.topLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"err": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := p.svc.Top(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	cached(c, p.views(list))
}

func (p Proposals) Get(c *gin.Context) {
	id, ok := proposalID(c)
	if !ok {
		return
	}
	found, err := p.svc.Proposal(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p.view(found))
}

func (p Proposals) Vote(c *gin.Context) {
	id, ok := proposalID(c)
	if !ok {
		return
	}
	m, _ := memberFrom(c)

	res, err := p.svc.Vote(c.Request.Context(), id, m)
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{"proposal": p.view(res.Proposal)}
	if res.Revoked != 0 {
		body["revoked"] = res.Revoked
	}
	c.JSON(http.StatusCreated, body)
}

func (p Proposals) Delete(c *gin.Context) {
	id, ok := proposalID(c)
	if !ok {
		return
	}
	m, _ := memberFrom(c)

	if err := p.svc.Delete(c.Request.Context(), id, m.ID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (p Proposals) Participation(c *gin.Context) {
	list, err := p.svc.Participation(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	cached(c, list)
}

func (p Proposals) Reset(c *gin.Context) {
	m, _ := memberFrom(c)
	if !p.svc.IsAdmin(m.ID) {
		log.Printf("webserver: reset refused for %d", m.ID)
		fail(c, voting.ErrForbidden)
		return
	}
	if err := p.svc.Reset(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	log.Printf("webserver: state reset by admin %d", m.ID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (p Proposals) view(pr voting.Proposal) proposalView {
	return proposalView{Proposal: pr, TextHTML: p.policy.Sanitize(pr.Text)}
}

func (p Proposals) views(list []voting.Proposal) []proposalView {
	out := make([]proposalView, len(list))
	for i, pr := range list {
		out[i] = p.view(pr)
	}
	return out
}

func proposalID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": fmt.Sprintf("bad proposal id %q", c.Param("id"))})
		return 0, false
	}
	return id, true
}

// fail maps service errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, err.Error()
	switch {
	case errors.Is(err, voting.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, voting.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, voting.ErrAlreadyVoted):
		status = http.StatusConflict
	case errors.Is(err, voting.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, voting.ErrStoreUnavailable):
		status, msg = http.StatusServiceUnavailable, voting.ErrStoreUnavailable.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Printf("webserver: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"err": msg})
}

// cached writes v as JSON with an ETag and answers 304 when the client already has it.
func cached(c *gin.Context, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		fail(c, err)
		return
	}
	etag := fmt.Sprintf(`"%016x"`, xxhash.Checksum64(body))
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
