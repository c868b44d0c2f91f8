/*
 * This file is part of the host-mate distribution (https://github.com/mlipscombe/host-mate).
 * Copyright (c) 2024-2026 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

// Package mqtt owns the single broker session. Every publish passes
// through a bounded queue drained by one writer goroutine; reconnection
// is driven by a supervising retry loop with exponential backoff rather
// than the paho client's built-in auto-reconnect, so that queued work
// survives an outage and authentication failures can be told apart from
// transport failures.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// ErrAuthenticationFailed marks a broker CONNACK refusal for bad
// credentials or missing authorisation. It is never retried: hammering a
// broker with bad credentials is indistinguishable from a lockout attack.
var ErrAuthenticationFailed = errors.New("mqtt authentication failed")

// ConnectionState is the session lifecycle state. It is owned by the
// Client; other components only read it or observe transitions.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	queueLimit    = 512
	backoffBase   = 1 * time.Second
	backoffMax    = 30 * time.Second
	backoffFactor = 2.0
	publishWait   = 30 * time.Second
)

var (
	droppedPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "host_mate",
		Subsystem: "mqtt",
		Name:      "dropped_publishes_total",
		Help:      "Queued publishes dropped because the buffer overflowed.",
	})
	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "host_mate",
		Subsystem: "mqtt",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnection attempts made after losing the broker session.",
	})
)

func init() {
	prometheus.MustRegister(droppedPublishes, reconnectAttempts)
}

type Client struct {
	URI               *url.URL
	ClientID          string
	AvailabilityTopic string

	connection mqtt.Client
	queue      *publishQueue
	wake       chan struct{}
	redial     chan struct{}
	fatal      chan error

	state         ConnectionState
	stateCallback []func(ConnectionState)
	stateMutex    sync.RWMutex

	subscriptions map[string]subscriptionInfo
	subMutex      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscriptionInfo struct {
	qos      byte
	callback MessageHandler
}

type Message = mqtt.Message

type MessageHandler func(client *Client, message Message)

// NewClient prepares a client for the given broker URI. No network I/O
// happens until Connect. availabilityTopic carries "online" after each
// successful (re)connection and "offline" as the session's last will.
func NewClient(uri *url.URL, clientID string, availabilityTopic string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		URI:               uri,
		ClientID:          clientID,
		AvailabilityTopic: availabilityTopic,
		queue:             newPublishQueue(queueLimit),
		wake:              make(chan struct{}, 1),
		redial:            make(chan struct{}, 1),
		fatal:             make(chan error, 1),
		state:             Disconnected,
		subscriptions:     make(map[string]subscriptionInfo),
		ctx:               ctx,
		cancel:            cancel,
	}
	client.connection = mqtt.NewClient(createClientOptions(client))
	return client
}

// Connect dials the broker, retrying transport failures with the same
// backoff policy as reconnection until ctx is cancelled. Authentication
// refusals are returned immediately and must not be retried. On success
// the writer and redial supervisor goroutines are started and queued
// publishes begin to flow.
func (client *Client) Connect(ctx context.Context) error {
	client.setState(Connecting)
	for attempt := 0; ; attempt++ {
		err := client.attemptConnect(ctx)
		if err == nil {
			break
		}
		if isAuthenticationError(err) {
			client.setState(Disconnected)
			return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		if ctx.Err() != nil {
			client.setState(Disconnected)
			return ctx.Err()
		}
		delay := backoffDelay(attempt)
		log.Errorf("mqtt connect to %s failed: %v (retrying in %s)", client.URI.Redacted(), err, delay)
		select {
		case <-ctx.Done():
			client.setState(Disconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	client.wg.Add(2)
	go client.writeLoop()
	go client.redialLoop()
	return nil
}

// attemptConnect runs a single connect attempt, abandoning the wait
// when ctx is cancelled.
func (client *Client) attemptConnect(ctx context.Context) error {
	token := client.connection.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish queues a message for delivery. It never blocks on the broker
// and never returns an error: when the buffer is full the oldest pending
// message is dropped and logged.
func (client *Client) Publish(topic string, qos byte, retained bool, payload []byte) {
	dropped, overflowed := client.queue.Push(queuedMessage{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	if overflowed {
		droppedPublishes.Inc()
		log.Warnf("publish queue full, dropped oldest message for %s", dropped.Topic)
	}
	client.notifyWriter()
}

// PublishJSON marshals val and queues it like Publish.
func (client *Client) PublishJSON(topic string, qos byte, retained bool, val interface{}) error {
	payload, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshalling %s: %v", topic, val)
	}
	client.Publish(topic, qos, retained, payload)
	return nil
}

// Subscribe registers a handler for a topic and keeps the subscription
// alive across reconnections.
func (client *Client) Subscribe(topic string, qos byte, callback MessageHandler) error {
	// Store subscription info for automatic re-subscription on reconnect
	client.subMutex.Lock()
	client.subscriptions[topic] = subscriptionInfo{
		qos:      qos,
		callback: callback,
	}
	client.subMutex.Unlock()

	token := client.connection.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		callback(client, msg)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	return nil
}

// State reports the current connection state.
func (client *Client) State() ConnectionState {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.state
}

// OnStateChange registers a callback for state transitions. Callbacks
// fire on the goroutine driving the transition, which is never one of
// the caller's; treat them as asynchronous notifications.
func (client *Client) OnStateChange(callback func(ConnectionState)) {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.stateCallback = append(client.stateCallback, callback)
}

// Fatal delivers at most one unrecoverable session error, such as an
// authentication refusal during reconnection.
func (client *Client) Fatal() <-chan error {
	return client.fatal
}

// QueueDepth reports the number of publishes awaiting delivery.
func (client *Client) QueueDepth() int {
	return client.queue.Len()
}

// Close drains the publish queue for at most grace, marks the device
// offline and tears the session down. No goroutines remain afterwards.
func (client *Client) Close(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for client.queue.Len() > 0 && client.State() == Connected && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := client.queue.Len(); n > 0 {
		log.Warnf("closing mqtt session with %d undelivered messages", n)
	}
	if client.connection.IsConnected() {
		token := client.connection.Publish(client.AvailabilityTopic, 1, true, "offline")
		token.WaitTimeout(time.Second)
	}
	client.cancel()
	client.wg.Wait()
	client.connection.Disconnect(250)
	client.setState(Disconnected)
}

func (client *Client) setState(next ConnectionState) {
	client.stateMutex.Lock()
	if client.state == next {
		client.stateMutex.Unlock()
		return
	}
	client.state = next
	callbacks := make([]func(ConnectionState), len(client.stateCallback))
	copy(callbacks, client.stateCallback)
	client.stateMutex.Unlock()

	log.Debugf("mqtt connection state: %s", next)
	for _, callback := range callbacks {
		callback(next)
	}
}

func (client *Client) notifyWriter() {
	select {
	case client.wake <- struct{}{}:
	default:
	}
}

func (client *Client) notifyRedial() {
	select {
	case client.redial <- struct{}{}:
	default:
	}
}

// writeLoop is the single point of serialization: it alone hands
// messages to the network client, so publishes from any number of
// goroutines leave in queue order.
func (client *Client) writeLoop() {
	defer client.wg.Done()
	recheck := time.NewTicker(time.Second)
	defer recheck.Stop()
	for {
		select {
		case <-client.ctx.Done():
			return
		case <-client.wake:
		case <-recheck.C:
		}
		client.drainQueue()
	}
}

func (client *Client) drainQueue() {
	for client.State() == Connected {
		msg, ok := client.queue.Pop()
		if !ok {
			return
		}
		token := client.connection.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
		if err := client.awaitDelivery(token); err != nil {
			log.Warnf("publish to %s failed: %v, requeueing", msg.Topic, err)
			client.queue.PushFront(msg)
			return
		}
	}
}

var errDeliveryTimeout = errors.New("delivery confirmation timed out")

// awaitDelivery blocks until the broker acknowledges the publish, the
// delivery window expires, or the client starts closing. Watching the
// shutdown context keeps Close bounded by its grace period instead of a
// full delivery window against a broker that stopped acknowledging.
func (client *Client) awaitDelivery(token mqtt.Token) error {
	timer := time.NewTimer(publishWait)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-client.ctx.Done():
		return client.ctx.Err()
	case <-timer.C:
		return errDeliveryTimeout
	}
}

// redialLoop supervises the session after the initial connect. Each
// pass waits for a loss trigger, then retries the broker indefinitely
// with capped exponential backoff until the session is restored, the
// refusal is fatal, or the client is closed. The trigger channel is
// buffered, so a loss arriving while an attempt is already in flight is
// kept for the next pass rather than forgotten.
func (client *Client) redialLoop() {
	defer client.wg.Done()
	for {
		select {
		case <-client.ctx.Done():
			return
		case <-client.redial:
		}
		// A trigger can outlive the loss that queued it; skip when the
		// session already came back.
		if client.connection.IsConnected() {
			continue
		}
		for attempt := 0; ; attempt++ {
			select {
			case <-client.ctx.Done():
				return
			case <-time.After(backoffDelay(attempt)):
			}
			reconnectAttempts.Inc()
			log.Warnf("mqtt reconnecting to %s (attempt %d)", client.URI.Redacted(), attempt+1)
			err := client.attemptConnect(client.ctx)
			if err == nil {
				break
			}
			if isAuthenticationError(err) {
				client.setState(Disconnected)
				client.reportFatal(fmt.Errorf("%w: %v", ErrAuthenticationFailed, err))
				return
			}
			if client.ctx.Err() != nil {
				return
			}
			log.Errorf("mqtt reconnect failed: %v", err)
		}
	}
}

func (client *Client) reportFatal(err error) {
	select {
	case client.fatal <- err:
	default:
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(backoffBase) * math.Pow(backoffFactor, float64(attempt)))
	if delay > backoffMax || delay <= 0 {
		return backoffMax
	}
	return delay
}

func isAuthenticationError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

func createClientOptions(client *Client) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()

	port := client.URI.Port()
	if port == "" {
		if client.URI.Scheme == "mqtts" {
			port = "8883"
		} else {
			port = "1883"
		}
	}

	if client.URI.Scheme == "mqtts" {
		query := client.URI.Query()
		tlsCert := query.Get("tls_cert")
		tlsKey := query.Get("tls_key")
		caCert := query.Get("tls_cacert")
		insecure := query.Get("insecure")

		tlsConfig := &tls.Config{}

		if insecure == "true" {
			tlsConfig.InsecureSkipVerify = true
		}

		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				log.Fatalf("failed to load tls cert and key: %v", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		if caCert != "" {
			caCertPool := x509.NewCertPool()
			caCertData, err := os.ReadFile(caCert)
			if err != nil {
				log.Fatalf("failed to read ca cert: %v", err)
			}
			caCertPool.AppendCertsFromPEM(caCertData)
			tlsConfig.RootCAs = caCertPool
		}

		opts.SetTLSConfig(tlsConfig)
		opts.AddBroker(fmt.Sprintf("ssl://%s:%s", client.URI.Hostname(), port))
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%s", client.URI.Hostname(), port))
	}

	opts.SetUsername(client.URI.User.Username())
	password, _ := client.URI.User.Password()
	opts.SetPassword(password)
	opts.SetClientID(client.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	// Reconnection is supervised here, not by paho: the built-in
	// auto-reconnect cannot stop on authentication refusals.
	opts.SetAutoReconnect(false)
	opts.SetWill(client.AvailabilityTopic, "offline", 1, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Errorf("mqtt connection lost: %v", err)
		client.setState(Reconnecting)
		client.notifyRedial()
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected")
		client.setState(Connected)

		// Republish online status on every connection
		client.connection.Publish(client.AvailabilityTopic, 1, true, "online")

		// Retained messages carry the entity definitions; replay them
		// ahead of any backlog of plain state messages.
		client.queue.PromoteRetained()
		client.notifyWriter()

		// Restore all subscriptions after reconnection
		client.subMutex.RLock()
		defer client.subMutex.RUnlock()

		for topic, sub := range client.subscriptions {
			subInfo := sub
			token := client.connection.Subscribe(topic, subInfo.qos, func(_ mqtt.Client, msg mqtt.Message) {
				subInfo.callback(client, msg)
			})
			token.Wait()
			if err := token.Error(); err != nil {
				log.Errorf("failed to resubscribe to %s: %v", topic, err)
			} else {
				log.Infof("resubscribed to %s", topic)
			}
		}
	})

	return opts
}
