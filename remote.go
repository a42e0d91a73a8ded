package pair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type HttpRemoteStoreSettings struct {
	WsHandshakeTimeout     time.Duration
	AuthTimeout            time.Duration
	PingTimeout            time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	SubscriptionBufferSize int
}

func DefaultHttpRemoteStoreSettings() *HttpRemoteStoreSettings {
	return &HttpRemoteStoreSettings{
		WsHandshakeTimeout:     2 * time.Second,
		AuthTimeout:            2 * time.Second,
		PingTimeout:            15 * time.Second,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            60 * time.Second,
		SubscriptionBufferSize: 32,
	}
}

// HttpRemoteStore talks to the hosted realtime store. reads and writes
// go over http. change feeds go over a websocket per subscription, and
// a subscription is single shot: any stream error ends it, and the
// consumer resubscribes.
type HttpRemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	wsUrl  string

	byJwt string

	settings *HttpRemoteStoreSettings
}

func NewHttpRemoteStoreWithDefaults(ctx context.Context, apiUrl string, wsUrl string, byJwt string) *HttpRemoteStore {
	return NewHttpRemoteStore(ctx, apiUrl, wsUrl, byJwt, DefaultHttpRemoteStoreSettings())
}

func NewHttpRemoteStore(ctx context.Context, apiUrl string, wsUrl string, byJwt string, settings *HttpRemoteStoreSettings) *HttpRemoteStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HttpRemoteStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   apiUrl,
		wsUrl:    wsUrl,
		byJwt:    byJwt,
		settings: settings,
	}
}

// this gets attached to api calls that need it
func (self *HttpRemoteStore) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type storeQueryArgs struct {
	Table  Table  `json:"table"`
	Filter Filter `json:"filter"`
}

type storeQueryResult struct {
	Rows []map[string]any `json:"rows"`
}

func (self *HttpRemoteStore) Query(ctx context.Context, table Table, filter Filter) ([]map[string]any, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/store/query", self.apiUrl),
		&storeQueryArgs{
			Table:  table,
			Filter: filter,
		},
		self.byJwt,
		&storeQueryResult{},
		NewNoopApiCallback[*storeQueryResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

type storeInsertArgs struct {
	Table Table          `json:"table"`
	Row   map[string]any `json:"row"`
}

type storeInsertResult struct {
}

func (self *HttpRemoteStore) Insert(ctx context.Context, table Table, row map[string]any) error {
	_, err := post(
		ctx,
		fmt.Sprintf("%s/store/insert", self.apiUrl),
		&storeInsertArgs{
			Table: table,
			Row:   row,
		},
		self.byJwt,
		&storeInsertResult{},
		NewNoopApiCallback[*storeInsertResult](),
	)
	return err
}

type storeUpdateArgs struct {
	Table  Table          `json:"table"`
	Filter Filter         `json:"filter"`
	Set    map[string]any `json:"set"`
}

type storeUpdateResult struct {
	UpdateCount int `json:"update_count"`
}

func (self *HttpRemoteStore) Update(ctx context.Context, table Table, filter Filter, payload map[string]any) (int, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/store/update", self.apiUrl),
		&storeUpdateArgs{
			Table:  table,
			Filter: filter,
			Set:    payload,
		},
		self.byJwt,
		&storeUpdateResult{},
		NewNoopApiCallback[*storeUpdateResult](),
	)
	if err != nil {
		return 0, err
	}
	return result.UpdateCount, nil
}

type storeDeleteArgs struct {
	Table  Table  `json:"table"`
	Filter Filter `json:"filter"`
}

type storeDeleteResult struct {
	DeleteCount int `json:"delete_count"`
}

func (self *HttpRemoteStore) Delete(ctx context.Context, table Table, filter Filter) (int, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/store/delete", self.apiUrl),
		&storeDeleteArgs{
			Table:  table,
			Filter: filter,
		},
		self.byJwt,
		&storeDeleteResult{},
		NewNoopApiCallback[*storeDeleteResult](),
	)
	if err != nil {
		return 0, err
	}
	return result.DeleteCount, nil
}

type storeCallArgs struct {
	Procedure string         `json:"procedure"`
	Args      map[string]any `json:"args"`
}

type storeCallResult struct {
	Result map[string]any `json:"result"`
}

func (self *HttpRemoteStore) CallProcedure(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/store/call", self.apiUrl),
		&storeCallArgs{
			Procedure: name,
			Args:      args,
		},
		self.byJwt,
		&storeCallResult{},
		NewNoopApiCallback[*storeCallResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

type subscribeAuthArgs struct {
	ByJwt  string    `json:"by_jwt"`
	Table  Table     `json:"table"`
	Filter Filter    `json:"filter"`
	Events EventMask `json:"events"`
}

type subscribeAuthResult struct {
	Status string `json:"status"`
}

func (self *HttpRemoteStore) Subscribe(ctx context.Context, table Table, filter Filter, eventMask EventMask) (Subscription, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, fmt.Sprintf("%s/store/changes", self.wsUrl), nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := json.Marshal(&subscribeAuthArgs{
		ByJwt:  self.byJwt,
		Table:  table,
		Filter: filter,
		Events: eventMask,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if _, message, err := ws.ReadMessage(); err != nil {
		return nil, err
	} else {
		authResult := &subscribeAuthResult{}
		if err := json.Unmarshal(message, authResult); err != nil {
			return nil, err
		}
		if authResult.Status != "ok" {
			return nil, fmt.Errorf("subscribe refused: %s", authResult.Status)
		}
	}

	success = true
	glog.V(2).Infof("[rs]subscribed %s\n", table)

	cancelCtx, cancel := context.WithCancel(self.ctx)
	subscription := &wsSubscription{
		cancel: cancel,
		ws:     ws,
		events: make(chan *ChangeEvent, self.settings.SubscriptionBufferSize),
		err:    make(chan error, 1),
	}
	go subscription.run(cancelCtx, table, self.settings)
	return subscription, nil
}

func (self *HttpRemoteStore) Close() {
	self.cancel()
}

type wsSubscription struct {
	cancel context.CancelFunc
	ws     *websocket.Conn

	events chan *ChangeEvent
	err    chan error

	failOnce sync.Once
}

func (self *wsSubscription) run(ctx context.Context, table Table, settings *HttpRemoteStoreSettings) {
	defer self.ws.Close()

	go func() {
		// unblocks a pending read on unsub
		<-ctx.Done()
		self.ws.Close()
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					self.fail(err)
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[rs]%s<- error = %s\n", table, err)
			self.fail(err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[rs]ping %s<-\n", table)
				continue
			}

			event := &ChangeEvent{}
			if err := json.Unmarshal(message, event); err != nil {
				self.fail(err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case self.events <- event:
				glog.V(2).Infof("[rs]%s<-\n", table)
			default:
				// the consumer is not keeping up. events cannot be
				// silently dropped, so end the stream and force a
				// resubscribe and resync.
				self.fail(errors.New("subscription overflow"))
				return
			}
		default:
			glog.V(2).Infof("[rs]other=%d %s<-\n", messageType, table)
		}
	}
}

func (self *wsSubscription) fail(err error) {
	self.failOnce.Do(func() {
		self.err <- err
		self.cancel()
	})
}

func (self *wsSubscription) Events() <-chan *ChangeEvent {
	return self.events
}

func (self *wsSubscription) Err() <-chan error {
	return self.err
}

func (self *wsSubscription) Unsub() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
