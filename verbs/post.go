package verbs

import (
	"go.uber.org/zap"
)

// Post submits a single send-family request. The queue pair must be in RTS.
func (q *QueuePair) Post(req *SendRequest) error {
	return q.PostBatch([]*SendRequest{req})
}

// PostBatch links the requests into one chain, submits it with a single
// provider call and unlinks every request afterwards so each stays reusable.
func (q *QueuePair) PostBatch(reqs []*SendRequest) error {
	if !q.valid() {
		return ErrInvalidHandle{"queue pair"}
	}
	if len(reqs) == 0 {
		return nil
	}
	if q.state != StateRTS {
		q.log.Error("post on queue pair that is not ready to send", zap.Stringer("state", q.state))
		return &StateError{QPN: q.qpn, Op: "post", Want: []State{StateRTS}, Got: q.state}
	}

	descs := make([]*SendDescriptor, len(reqs))
	seen := make(map[*SendRequest]struct{}, len(reqs))
	for i, req := range reqs {
		if req == nil {
			return &ValidationError{Reason: "nil work request"}
		}
		if _, dup := seen[req]; dup {
			return req.invalid("request appears twice in one batch", nil)
		}
		seen[req] = struct{}{}
		wr, err := req.Descriptor()
		if err != nil {
			return err
		}
		if len(wr.SGL) > q.maxSGE {
			return req.invalid("scatter/gather list exceeds the queue pair limit", nil)
		}
		if !q.transport.Supports(wr.Opcode) {
			return req.invalid("opcode not supported on "+q.transport.String()+" transport", nil)
		}
		descs[i] = wr
	}

	for i := 0; i < len(descs)-1; i++ {
		descs[i].Next = descs[i+1]
	}
	defer func() {
		for _, wr := range descs {
			wr.Next = nil
		}
	}()

	if err := q.dev.prov.PostSend(q.handle, descs[0]); err != nil {
		q.log.Error("post send failed", zap.Int("count", len(descs)), zap.Uint64("first_wr_id", descs[0].ID), zap.Error(err))
		return &SubmitError{QPN: q.qpn, Count: len(descs), Err: err}
	}
	return nil
}

// PostRecv submits a single receive request. Receives may be posted from Init
// onwards so they are in place before the peer starts sending.
func (q *QueuePair) PostRecv(req *RecvRequest) error {
	return q.PostRecvBatch([]*RecvRequest{req})
}

// PostRecvBatch links and submits receive requests like PostBatch.
func (q *QueuePair) PostRecvBatch(reqs []*RecvRequest) error {
	if !q.valid() {
		return ErrInvalidHandle{"queue pair"}
	}
	if len(reqs) == 0 {
		return nil
	}
	switch q.state {
	case StateInit, StateRTR, StateRTS:
	default:
		q.log.Error("post receive on queue pair before init", zap.Stringer("state", q.state))
		return &StateError{QPN: q.qpn, Op: "post receive", Want: []State{StateInit, StateRTR, StateRTS}, Got: q.state}
	}

	descs := make([]*RecvDescriptor, len(reqs))
	seen := make(map[*RecvRequest]struct{}, len(reqs))
	for i, req := range reqs {
		if req == nil {
			return &ValidationError{Reason: "nil receive request"}
		}
		if _, dup := seen[req]; dup {
			return &ValidationError{ID: req.id, Reason: "request appears twice in one batch"}
		}
		seen[req] = struct{}{}
		wr, err := req.Descriptor()
		if err != nil {
			return err
		}
		if len(wr.SGL) > q.maxSGE {
			return &ValidationError{ID: req.id, Reason: "scatter/gather list exceeds the queue pair limit"}
		}
		descs[i] = wr
	}

	for i := 0; i < len(descs)-1; i++ {
		descs[i].Next = descs[i+1]
	}
	defer func() {
		for _, wr := range descs {
			wr.Next = nil
		}
	}()

	if err := q.dev.prov.PostRecv(q.handle, descs[0]); err != nil {
		q.log.Error("post receive failed", zap.Int("count", len(descs)), zap.Uint64("first_wr_id", descs[0].ID), zap.Error(err))
		return &SubmitError{QPN: q.qpn, Count: len(descs), Err: err}
	}
	return nil
}
