// Package registry records where bridge servers can be reached.
//
// A bridge registers one instance per listening address under a service name;
// gateways discover the instances of that service and pick one to dial.
package registry

// ServiceInstance is one reachable bridge endpoint.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
