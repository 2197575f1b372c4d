package queue

// DefaultKeyPrefix namespaces every index-store key.
const DefaultKeyPrefix = "hqm:"

// Keys holds the precomputed key names for one prefix. Static keys are built
// once to avoid repeated string concatenation on the hot path.
type Keys struct {
	prefix string

	Pending    string
	Processing string
	Scheduled  string
	Dead       string

	ChannelNewRequest string
	ChannelRetry      string
}

// NewKeys builds the key set for a prefix ("" selects DefaultKeyPrefix).
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keys{
		prefix:            prefix,
		Pending:           prefix + "queue:pending",
		Processing:        prefix + "queue:processing",
		Scheduled:         prefix + "queue:scheduled",
		Dead:              prefix + "queue:dead",
		ChannelNewRequest: prefix + "channel:new-request",
		ChannelRetry:      prefix + "channel:retry",
	}
}

// Request returns the snapshot key for a request id.
func (k Keys) Request(id string) string {
	return k.prefix + "request:" + id
}

// RateLimit returns the token-bucket key for a scope ("global" or a host).
func (k Keys) RateLimit(scope string) string {
	return k.prefix + "ratelimit:" + scope
}

// Breaker returns the circuit-breaker key for a host.
func (k Keys) Breaker(host string) string {
	return k.prefix + "cb:" + host
}

// Lock returns the lock key for a resource.
func (k Keys) Lock(resource string) string {
	return k.prefix + "lock:" + resource
}
