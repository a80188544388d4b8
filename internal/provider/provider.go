// Package provider defines the boundary between the verbs transport engine and
// the driver that executes queue pair transitions and descriptor postings.
package provider

// Provider is the set of verbs a hardware (or in-process) backend implements.
// Every method is a non-blocking local call; failures are reported as Errno
// values wrapped with the failing operation.
type Provider interface {
	// Name identifies the provider in logs and metric labels.
	Name() string
	// Devices lists the device names in enumeration order.
	Devices() ([]string, error)

	OpenDevice(name string) (Handle, DeviceAttr, error)
	CloseDevice(dev Handle) error
	QueryPort(dev Handle, port uint8) (PortAttr, error)
	QueryGID(dev Handle, port uint8, index int) (GID, error)

	AllocPD(dev Handle) (Handle, error)
	DeallocPD(pd Handle) error
	CreateResourceDomain(dev Handle, attr ResourceDomainAttr) (Handle, error)
	DestroyResourceDomain(dev Handle, rd Handle) error

	RegisterMemory(pd Handle, buf []byte, access Access) (MR, error)
	AllocDeviceMemory(dev Handle, length uint64) (Handle, error)
	RegisterDeviceMemory(pd Handle, dm Handle, length uint64, access Access) (MR, error)
	CopyToDeviceMemory(dm Handle, offset uint64, src []byte) error
	CopyFromDeviceMemory(dm Handle, offset uint64, dst []byte) error
	FreeDeviceMemory(dm Handle) error
	DeregisterMemory(mr Handle) error

	CreateCQ(dev Handle, depth int, rd Handle) (Handle, error)
	DestroyCQ(cq Handle) error
	// PollCQ fills out with up to len(out) completions and returns the count.
	PollCQ(cq Handle, out []WorkCompletion) (int, error)

	// CreateQP returns the queue pair handle and its queue pair number.
	CreateQP(pd Handle, attr QPInitAttr) (Handle, uint32, error)
	ModifyQP(qp Handle, attr *QPAttr, mask QPAttrMask) error
	QueryQPState(qp Handle) (QPState, error)
	DestroyQP(qp Handle) error
	// PostSend submits a chain of descriptors linked through Next.
	PostSend(qp Handle, wr *SendWR) error
	// PostRecv submits a chain of receive descriptors linked through Next.
	PostRecv(qp Handle, wr *RecvWR) error
}
