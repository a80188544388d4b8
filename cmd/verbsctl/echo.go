package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/verbs-go/cm"
	"github.com/rocketbitz/verbs-go/verbs"
)

// echoConn is a connected queue pair with one registered buffer split into a
// receive half and a send half.
type echoConn struct {
	cm.Conn
	dev  *verbs.Device
	mr   *verbs.MemoryRegion
	recv verbs.MemorySlice
	send verbs.MemorySlice
}

func newEchoConn(dev *verbs.Device, c cm.Conn, size int) (*echoConn, error) {
	if size <= 0 {
		return nil, fmt.Errorf("message size must be positive, got %d", size)
	}
	mr, err := dev.RegisterHost(make([]byte, 2*size), verbs.AccessLocalWrite)
	if err != nil {
		return nil, err
	}
	recv, err := mr.Slice(0, uint64(size))
	if err != nil {
		_ = mr.Close()
		return nil, err
	}
	send, err := mr.SliceFrom(uint64(size))
	if err != nil {
		_ = mr.Close()
		return nil, err
	}
	return &echoConn{Conn: c, dev: dev, mr: mr, recv: recv, send: send}, nil
}

func (e *echoConn) postRecv(id uint64) error {
	return e.QP.PostRecv(e.dev.NewRecvRequest(e.recv).SetID(id))
}

// sendBytes sends the first n bytes of the send half and waits for the local
// completion.
func (e *echoConn) sendBytes(ctx context.Context, id uint64, n uint64) error {
	s, err := e.send.Slice(0, n)
	if err != nil {
		return err
	}
	if err := e.QP.Post(e.dev.NewSendRequest(s).SetOpcode(verbs.OpSend).SetID(id).SetSignaled()); err != nil {
		return err
	}
	_, err = e.SendCQ.PollContext(ctx, 1)
	return err
}

func (e *echoConn) await(ctx context.Context) (verbs.Completion, error) {
	wcs, err := e.RecvCQ.PollContext(ctx, 1)
	if err != nil {
		return verbs.Completion{}, err
	}
	return wcs[0], nil
}

// serve echoes every received message until ctx is done or a completion
// fails.
func (e *echoConn) serve(ctx context.Context) error {
	for seq := uint64(1); ; seq++ {
		wc, err := e.await(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		n := uint64(wc.ByteLen)
		copy(e.send.Bytes(), e.recv.Bytes()[:n])
		if err := e.postRecv(seq); err != nil {
			return err
		}
		if err := e.sendBytes(ctx, seq, n); err != nil {
			return err
		}
	}
}

func (e *echoConn) Close() error {
	return errors.Join(e.Conn.Close(), e.mr.Close())
}
