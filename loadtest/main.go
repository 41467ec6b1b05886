package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"

	"dmchat/internal/chat"
	"dmchat/internal/user"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "http base url")
	pairCount = flag.Int("pairs", 50, "number of user pairs") // Start small. The database might choke on 1000 immediately.
	msgCount  = flag.Int("messages", 20, "messages per user")
	pause     = flag.Duration("pause", 10*time.Millisecond, "delay between sends")
)

type stats struct {
	sent      atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
	heartbeat atomic.Int64
}

var logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen}))

func main() {
	flag.Parse()
	run := uuid.NewString()[:8]
	logger.Info("starting stress test", "users", *pairCount*2, "messages_each", *msgCount, "run", run)

	var (
		wg    sync.WaitGroup
		st    stats
		start = time.Now()
	)

	// Pairs: user 0 talks to user 1, user 2 talks to user 3...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(fmt.Sprintf("%s_%d", run, pairID), &st)
		}(i)
	}

	wg.Wait()
	logger.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"errors", st.errors.Load(),
		"heartbeats", st.heartbeat.Load(),
	)
}

func runPair(pairID string, st *stats) {
	tokenA, idA := authenticate("u_"+pairID+"_a", "password123")
	tokenB, idB := authenticate("u_"+pairID+"_b", "password123")
	if tokenA == "" || tokenB == "" {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go chatWith(&wg, tokenA, idB, st)
	go chatWith(&wg, tokenB, idA, st)
	wg.Wait()
}

// authenticate registers (ignoring an existing account) and logs in.
func authenticate(name, password string) (string, int64) {
	email := name + "@loadtest.local"
	if resp, err := postJSON("/register", user.RegisterRequest{Name: name, Email: email, Password: password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", user.LoginRequest{Email: email, Password: password})
	if err != nil {
		logger.Error("login failed", "user", name, "error", err)
		return "", 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Error("login rejected", "user", name, "status", resp.StatusCode)
		return "", 0
	}

	var data user.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || data.User == nil {
		logger.Error("bad login response", "user", name, "error", err)
		return "", 0
	}
	return data.AccessToken, data.User.ID
}

func chatWith(wg *sync.WaitGroup, token string, peerID int64, st *stats) {
	defer wg.Done()

	wsURL, _ := url.Parse(*baseURL)
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		logger.Error("ws connect failed", "error", err)
		st.errors.Add(1)
		return
	}
	defer conn.Close()

	// gorilla allows one concurrent writer.
	var writeMu sync.Mutex
	send := func(event string, data any) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(chat.Envelope{Event: event, Data: raw})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env chat.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Event {
			case chat.EventHeartbeatRequest:
				st.heartbeat.Add(1)
				send(chat.EventHeartbeat, nil)
			case chat.EventNewMessage:
				st.received.Add(1)
			case chat.EventMessageError:
				st.errors.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		err := send(chat.EventSendMessage, chat.SendMessagePayload{
			Content:     fmt.Sprintf("LoadTest Msg %d", i),
			MessageType: chat.MessageText,
			ReceiverID:  peerID,
		})
		if err != nil {
			logger.Error("send failed", "error", err)
			st.errors.Add(1)
			break
		}
		st.sent.Add(1)
		// Simulate a real network instead of a localhost burst.
		time.Sleep(*pause)
	}

	// Give the peer's last messages time to arrive.
	time.Sleep(time.Second)
	writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
