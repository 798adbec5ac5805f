// End-to-end smoke test against a running govvote server.
//
//	JWT_SECRET=... API_URL=http://localhost:8080/v1 go run ./scripts/api
//
// With REDIS_URL and EVENTS_STREAM set it also checks that the events reached the stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/govvote/src/api/auth"
	"github.com/stake-plus/govvote/src/voting"
)

var (
	baseURL  = getenv("API_URL", "http://localhost:8080/v1")
	secret   = os.Getenv("JWT_SECRET")
	redisURL = os.Getenv("REDIS_URL")
	stream   = getenv("EVENTS_STREAM", "govvote.events")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	if secret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	// Random ids keep repeated runs from colliding on one-ballot-per-proposal.
	author := voting.Member{ID: int64(uuid.New().ID()) + 1, DisplayName: "smoke-author"}
	voter := voting.Member{ID: author.ID + 1, DisplayName: "smoke-voter"}
	authorTok, voterTok := mint(author), mint(voter)

	p := createProposal(authorTok)
	castVote(voterTok, p.ID, http.StatusCreated)
	castVote(voterTok, p.ID, http.StatusConflict)
	checkProposal(voterTok, p.ID, 1)
	checkParticipation(voterTok, voter.ID)
	deleteProposal(voterTok, p.ID, http.StatusForbidden)
	deleteProposal(authorTok, p.ID, http.StatusNoContent)

	if redisURL != "" {
		checkStream(p.ID)
	}
	fmt.Println("✓ all endpoints passed")
}

func mint(m voting.Member) string {
	tok, err := auth.IssueToken([]byte(secret), m, 10*time.Minute, time.Now())
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	return tok
}

// ----------------------------- proposals

func createProposal(tok string) voting.Proposal {
	var p voting.Proposal
	doReq("POST", "/proposals", tok, map[string]any{
		"text": "integration-test " + uuid.NewString(),
	}, &p, http.StatusCreated)
	if p.ID == 0 {
		log.Fatal("proposals: created proposal has no id")
	}
	return p
}

func checkProposal(tok string, id uint64, votes int) {
	var p voting.Proposal
	doReq("GET", "/proposals/"+strconv.FormatUint(id, 10), tok, nil, &p, http.StatusOK)
	if p.VoteCount != votes {
		log.Fatalf("proposals: #%d has %d votes, want %d", id, p.VoteCount, votes)
	}
}

func deleteProposal(tok string, id uint64, want int) {
	doReq("DELETE", "/proposals/"+strconv.FormatUint(id, 10), tok, nil, nil, want)
}

// ----------------------------- votes

func castVote(tok string, id uint64, want int) {
	doReq("POST", "/proposals/"+strconv.FormatUint(id, 10)+"/votes", tok, nil, nil, want)
}

func checkParticipation(tok string, uid int64) {
	var parts []voting.Participant
	doReq("GET", "/participation", tok, nil, &parts, http.StatusOK)
	for _, p := range parts {
		if p.UserID == uid && p.Count > 0 {
			return
		}
	}
	log.Fatal("participation: voter missing")
}

// ----------------------------- events

func checkStream(id uint64) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	msgs, err := rdb.XRevRangeN(context.Background(), stream, "+", "-", 50).Result()
	if err != nil {
		log.Fatalf("redis xrevrange: %v", err)
	}
	want := strconv.FormatUint(id, 10)
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.Values["proposal_id"] == want {
			seen[fmt.Sprint(m.Values["type"])] = true
		}
	}
	for _, typ := range []voting.EventType{voting.EventProposalCreated, voting.EventBallotCast, voting.EventProposalDeleted} {
		if !seen[string(typ)] {
			log.Fatalf("events: no %s for #%d", typ, id)
		}
	}
}

// ----------------------------- helpers

func doReq(method, path, token string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
