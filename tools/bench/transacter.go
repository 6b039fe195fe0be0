package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	// math/rand is fine here: the payloads only need to be distinct,
	// not unpredictable
	"math/rand"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/tari-project/tari-dan-sub001/types"
)

const (
	sendTimeout = 10 * time.Second
	// see rpc/jsonrpc/server in tendermint: the server pings on a 30s
	// interval and drops silent clients
	pingPeriod = (30 * 9 / 10) * time.Second
)

// transacter opens websocket connections to one node and submits
// generated transactions at a fixed per-connection rate.
type transacter struct {
	Target      string
	Rate        int
	Connections int
	Accounts    int

	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool

	sent    metrics.Meter
	latency metrics.Timer

	logger log.Logger
}

func newTransacter(target string, connections, rate, accounts int) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		Accounts:    accounts,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		sent:        metrics.GetOrRegisterMeter("transacter.sent", metrics.DefaultRegistry),
		latency:     metrics.GetOrRegisterTimer("transacter.write_latency", metrics.DefaultRegistry),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	t.stopped = false

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop drains responses so the server's write buffer never fills.
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop generates transactions at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numTxSent := t.Rate
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < t.Rate; i++ {
				tx := generateTx(t.Accounts)
				paramsJSON, err := json.Marshal(map[string]interface{}{"tx": tx})
				if err != nil {
					return
				}
				rawParamsJSON := json.RawMessage(paramsJSON)

				c.SetWriteDeadline(now.Add(sendTimeout))
				writeStart := time.Now()
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCStringID("bench"),
					Method:  "submit_transaction",
					Params:  rawParamsJSON,
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("txs send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}
				t.latency.UpdateSince(writeStart)
				t.sent.Mark(1)

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this tx
						numTxSent = i + 1
						break
					}
				}
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d transactions", numTxSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			// the rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.stopped {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}

			return
		}
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// accountId derives a stable component id for one synthetic account so
// repeated spends contend on the same substate chain.
func accountId(n int) types.SubstateId {
	key := sha256.Sum256([]byte(fmt.Sprintf("bench-account-%d", n)))
	return types.NewSubstateId(types.SubstateComponent, key[:])
}

// generateTx builds a transfer-shaped transaction: two component inputs
// drawn from a bounded account space and a random opaque payload. Small
// account spaces raise lock contention, large ones approximate disjoint
// workloads.
func generateTx(accounts int) *types.Transaction {
	from := rand.Intn(accounts)
	to := from
	for to == from {
		to = rand.Intn(accounts)
	}

	instructions := make([]byte, 64)
	rand.Read(instructions)
	signer := make([]byte, 32)
	rand.Read(signer)
	sig := make([]byte, 64)
	rand.Read(sig)

	return &types.Transaction{
		Instructions: instructions,
		Inputs: []types.SubstateRequirement{
			{Id: accountId(from)},
			{Id: accountId(to)},
		},
		SignerPublicKey: signer,
		Signature:       sig,
	}
}
