package kci

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// RegisterReverseHandler installs h for firmware requests with the given code
func (k *KCI) RegisterReverseHandler(code uint16, h ReverseHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers[code] = h
}

func (k *KCI) enqueueReverse(r Response) {
	k.idleMu.Lock()
	k.rkciQueue++
	k.idleMu.Unlock()

	select {
	case k.rkci <- r:
		return
	default:
	}

	k.idleMu.Lock()
	k.rkciQueue--
	if k.rkciQueue == 0 {
		k.idle.Broadcast()
	}
	k.idleMu.Unlock()
	if k.limiter.Allow() {
		k.log.WithFields(logrus.Fields{"code": r.Code, "seq": r.Seq &^ ReverseFlag}).
			Warn("reverse KCI buffer full, dropping request")
	}
}

func (k *KCI) reverseWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			k.drainReverse()
			return nil
		case r := <-k.rkci:
			k.handleReverse(ctx, r)
			k.idleMu.Lock()
			k.rkciQueue--
			if k.rkciQueue == 0 {
				k.idle.Broadcast()
			}
			k.idleMu.Unlock()
		}
	}
}

func (k *KCI) drainReverse() {
	k.idleMu.Lock()
	defer k.idleMu.Unlock()
	for {
		select {
		case <-k.rkci:
			k.rkciQueue--
		default:
			k.idle.Broadcast()
			return
		}
	}
}

func (k *KCI) handleReverse(ctx context.Context, r Response) {
	k.mu.Lock()
	h := k.handlers[r.Code]
	k.mu.Unlock()

	if h == nil {
		k.log.WithField("code", r.Code).Warn("unhandled reverse KCI request")
		return
	}
	h(ctx, r)
}

// RespondReverseAck acknowledges a firmware request that asked for one
func (k *KCI) RespondReverseAck(ctx context.Context, req Response) error {
	cmd := &Command{Code: CodeRKCIAck}
	binary.LittleEndian.PutUint64(cmd.Payload[0:], req.Seq&^ReverseFlag)
	binary.LittleEndian.PutUint16(cmd.Payload[8:], req.Code)
	_, err := k.Send(ctx, cmd)
	return err
}

// FlushReverse waits until every buffered firmware request has been
// handled. It reports whether any work was pending.
func (k *KCI) FlushReverse() bool {
	k.idleMu.Lock()
	defer k.idleMu.Unlock()
	pending := k.rkciQueue > 0
	k.flushing++
	for k.rkciQueue > 0 && !k.stopped {
		k.idle.Wait()
	}
	k.flushing--
	return pending
}
