// Package shmbus is a broker-less publish/subscribe bus for processes on one
// host. Samples are written once into shared memory chunks and handed to
// subscribers by reference.
//
// A process joins a domain with NewNode, opens a Service by name and attaches
// ports to it:
//
//	node, err := shmbus.NewNode(shmbus.DefaultConfig())
//	svc, err := node.OpenService(shmbus.ServiceDescriptor{
//		Name:        "camera/front",
//		TypeName:    "Frame",
//		PayloadSize: 4096,
//	})
//	pub, err := svc.Publisher(shmbus.PublisherConfig{})
//	sample, err := pub.Loan()
//	copy(sample.Payload(), frame)
//	err = sample.Send()
//
// Subscribers poll with Receive or block with Wait; WaitSet multiplexes
// several subscribers and listeners. Nodes that die without closing are
// cleaned up by the survivors, see Node.Sweep.
package shmbus
