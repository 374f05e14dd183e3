package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve"
	"github.com/inference-serve/inference-serve/serve/procctl"
)

const (
	// pollTimeout bounds each receive poll so pumps notice shutdown.
	pollTimeout = 100 * time.Millisecond
	// heartbeatInterval is how often the worker publishes its health
	// frame. Must be well under the controller's health_fail_s.
	heartbeatInterval = 100 * time.Millisecond
)

// ControllerBridge pumps the controller's in-memory channel set over the
// socket pairs: request and cancel out, response and health in. The engine
// queue keeps talking to plain channels and never sees the transport.
type ControllerBridge struct {
	eps      Endpoints
	channels *serve.Channels
	pc       *procctl.ProcessControl

	reqSock    *zmq.Socket
	respSock   *zmq.Socket
	cancelSock *zmq.Socket
	healthSock *zmq.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControllerBridge wires the bridge; Start opens the sockets.
func NewControllerBridge(eps Endpoints, channels *serve.Channels, pc *procctl.ProcessControl) *ControllerBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &ControllerBridge{eps: eps, channels: channels, pc: pc, ctx: ctx, cancel: cancel}
}

// Start binds the controller side of all four sockets and launches the
// pump goroutines. The controller binds, the worker connects: the
// controller is always up first.
func (b *ControllerBridge) Start() error {
	if err := b.eps.Validate(); err != nil {
		return err
	}
	var err error
	if b.reqSock, err = bindSocket(zmq.PUSH, b.eps.Request); err != nil {
		return err
	}
	if b.respSock, err = bindSocket(zmq.PULL, b.eps.Response); err != nil {
		b.closeSockets()
		return err
	}
	if b.cancelSock, err = bindSocket(zmq.PUSH, b.eps.Cancel); err != nil {
		b.closeSockets()
		return err
	}
	if b.healthSock, err = bindSocket(zmq.SUB, b.eps.Health); err != nil {
		b.closeSockets()
		return err
	}
	if err = b.healthSock.SetSubscribe(""); err != nil {
		b.closeSockets()
		return fmt.Errorf("ipc: subscribe health: %w", err)
	}

	b.wg.Add(4)
	go b.pumpRequests()
	go b.pumpResponses()
	go b.pumpCancels()
	go b.pumpHealth()
	logrus.Infof("ipc: controller bridge started (request=%s)", b.eps.Request)
	return nil
}

// Stop halts the pumps and closes the sockets.
func (b *ControllerBridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.closeSockets()
	logrus.Infof("ipc: controller bridge stopped")
}

func (b *ControllerBridge) pumpRequests() {
	defer b.wg.Done()
	for {
		msg, err := b.channels.Request.Recv(b.ctx)
		if err != nil {
			return
		}
		data, err := encodeRequest(msg)
		if err != nil {
			logrus.Errorf("ipc: encode request %s: %v", msg.ID, err)
			continue
		}
		if _, err := b.reqSock.SendBytes(data, 0); err != nil {
			logrus.Errorf("ipc: send request %s: %v", msg.ID, err)
		}
	}
}

func (b *ControllerBridge) pumpResponses() {
	defer b.wg.Done()
	recvLoop(b.ctx, b.respSock, func(data []byte) {
		msg, err := decodeResponse(data)
		if err != nil {
			logrus.Errorf("ipc: %v", err)
			return
		}
		if err := b.channels.Response.Send(msg); err != nil {
			logrus.Warnf("ipc: response channel closed, dropping %s", msg.ID)
		}
	})
}

func (b *ControllerBridge) pumpCancels() {
	defer b.wg.Done()
	for {
		msg, err := b.channels.Cancel.Recv(b.ctx)
		if err != nil {
			return
		}
		data, err := encodeCancel(msg)
		if err != nil {
			logrus.Errorf("ipc: encode cancel %s: %v", msg.ID, err)
			continue
		}
		if _, err := b.cancelSock.SendBytes(data, 0); err != nil {
			logrus.Errorf("ipc: send cancel %s: %v", msg.ID, err)
		}
	}
}

// pumpHealth replays the worker's health writes onto the controller-side
// replica. A frame with a newer worker-clock beat counts as a heartbeat at
// receipt time; cross-process clocks are never compared.
func (b *ControllerBridge) pumpHealth() {
	defer b.wg.Done()
	var lastBeat int64
	recvLoop(b.ctx, b.healthSock, func(data []byte) {
		frame, err := decodeHealth(data)
		if err != nil {
			logrus.Errorf("ipc: %v", err)
			return
		}
		if frame.BeatNanos > lastBeat {
			lastBeat = frame.BeatNanos
			b.pc.ApplyHeartbeat()
		}
		if frame.Started && !b.pc.IsStarted() {
			b.pc.ApplyStarted()
		}
		if frame.Completed && !b.pc.IsCompleted() {
			b.pc.ApplyCompleted()
		}
	})
}

func (b *ControllerBridge) closeSockets() {
	for _, s := range []*zmq.Socket{b.reqSock, b.respSock, b.cancelSock, b.healthSock} {
		if s != nil {
			_ = s.Close()
		}
	}
}

// WorkerBridge is the worker-process mirror: request and cancel in,
// response and health out. Cooperative cancellation arrives as SIGTERM
// from the controller; the worker entrypoint traps it and sets the cancel
// flag on its local health record.
type WorkerBridge struct {
	eps      Endpoints
	channels *serve.Channels
	pc       *procctl.ProcessControl

	reqSock    *zmq.Socket
	respSock   *zmq.Socket
	cancelSock *zmq.Socket
	healthSock *zmq.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerBridge(eps Endpoints, channels *serve.Channels, pc *procctl.ProcessControl) *WorkerBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerBridge{eps: eps, channels: channels, pc: pc, ctx: ctx, cancel: cancel}
}

// Start connects the worker side of all four sockets and launches pumps.
func (b *WorkerBridge) Start() error {
	if err := b.eps.Validate(); err != nil {
		return err
	}
	var err error
	if b.reqSock, err = connectSocket(zmq.PULL, b.eps.Request); err != nil {
		return err
	}
	if b.respSock, err = connectSocket(zmq.PUSH, b.eps.Response); err != nil {
		b.closeSockets()
		return err
	}
	if b.cancelSock, err = connectSocket(zmq.PULL, b.eps.Cancel); err != nil {
		b.closeSockets()
		return err
	}
	if b.healthSock, err = connectSocket(zmq.PUB, b.eps.Health); err != nil {
		b.closeSockets()
		return err
	}

	b.wg.Add(4)
	go b.pumpRequests()
	go b.pumpResponses()
	go b.pumpCancels()
	go b.publishHealth()
	logrus.Infof("ipc: worker bridge started (request=%s)", b.eps.Request)
	return nil
}

func (b *WorkerBridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.closeSockets()
	logrus.Infof("ipc: worker bridge stopped")
}

func (b *WorkerBridge) pumpRequests() {
	defer b.wg.Done()
	recvLoop(b.ctx, b.reqSock, func(data []byte) {
		msg, err := decodeRequest(data)
		if err != nil {
			logrus.Errorf("ipc: %v", err)
			return
		}
		if err := b.channels.Request.Send(msg); err != nil {
			logrus.Warnf("ipc: request channel closed, dropping %s", msg.ID)
		}
	})
}

func (b *WorkerBridge) pumpResponses() {
	defer b.wg.Done()
	for {
		msg, err := b.channels.Response.Recv(b.ctx)
		if err != nil {
			return
		}
		data, err := encodeResponse(msg)
		if err != nil {
			logrus.Errorf("ipc: encode response %s: %v", msg.ID, err)
			continue
		}
		if _, err := b.respSock.SendBytes(data, 0); err != nil {
			logrus.Errorf("ipc: send response %s: %v", msg.ID, err)
		}
	}
}

func (b *WorkerBridge) pumpCancels() {
	defer b.wg.Done()
	recvLoop(b.ctx, b.cancelSock, func(data []byte) {
		msg, err := decodeCancel(data)
		if err != nil {
			logrus.Errorf("ipc: %v", err)
			return
		}
		if err := b.channels.Cancel.Send(msg); err != nil {
			logrus.Warnf("ipc: cancel channel closed, dropping %s", msg.ID)
		}
	})
}

func (b *WorkerBridge) publishHealth() {
	defer b.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			// final frame so the controller observes completion promptly
			b.sendHealth()
			return
		case <-ticker.C:
			b.sendHealth()
		}
	}
}

func (b *WorkerBridge) sendHealth() {
	frame := healthFrame{
		Started:   b.pc.IsStarted(),
		Completed: b.pc.IsCompleted(),
		BeatNanos: b.pc.LastHeartbeat().UnixNano(),
	}
	data, err := encodeHealth(frame)
	if err != nil {
		logrus.Errorf("ipc: encode health frame: %v", err)
		return
	}
	if _, err := b.healthSock.SendBytes(data, zmq.DONTWAIT); err != nil {
		logrus.Debugf("ipc: publish health: %v", err)
	}
}

func (b *WorkerBridge) closeSockets() {
	for _, s := range []*zmq.Socket{b.reqSock, b.respSock, b.cancelSock, b.healthSock} {
		if s != nil {
			_ = s.Close()
		}
	}
}

func bindSocket(t zmq.Type, addr string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(t)
	if err != nil {
		return nil, fmt.Errorf("ipc: create socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: set linger: %w", err)
	}
	if err := sock.Bind(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: bind %s: %w", addr, err)
	}
	return sock, nil
}

func connectSocket(t zmq.Type, addr string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(t)
	if err != nil {
		return nil, fmt.Errorf("ipc: create socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: set linger: %w", err)
	}
	if err := sock.Connect(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: connect %s: %w", addr, err)
	}
	return sock, nil
}

// recvLoop polls sock until ctx is done, handing each frame to fn.
func recvLoop(ctx context.Context, sock *zmq.Socket, fn func([]byte)) {
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			logrus.Errorf("ipc: poll: %v", err)
			return
		}
		if len(polled) == 0 {
			continue
		}
		data, err := sock.RecvBytes(0)
		if err != nil {
			logrus.Errorf("ipc: recv: %v", err)
			continue
		}
		fn(data)
	}
}
