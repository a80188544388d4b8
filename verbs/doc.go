// Package verbs is an RDMA transport engine. It wraps a provider (libibverbs or
// the in-process loopback) with typed handles for devices, memory regions,
// completion queues and queue pairs, and validates every work request before it
// reaches the driver.
//
// A typical reliable-connected flow:
//
//	dev, err := verbs.Open(loopback.New())
//	cq, err := dev.CreateCompletionQueue()
//	qp, err := dev.CreateQueuePair(verbs.TransportRC, cq, cq)
//	info, err := qp.Info()
//	// exchange info with the peer, then
//	err = qp.Connect(peerInfo, verbs.DefaultPort)
//
//	mr, err := dev.RegisterHost(buf, verbs.AccessReadWrite)
//	s, err := mr.Slice(0, 64)
//	err = qp.Post(dev.NewSendRequest(s).SetOpcode(verbs.OpSend).SetSignaled())
//	wcs, err := cq.PollContext(ctx, 1)
//
// Handles are released with Close in reverse order of creation. A Device
// refuses to close while queue pairs, completion queues or memory regions
// opened from it remain.
package verbs
