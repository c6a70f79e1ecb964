package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldKey        = "key"
	fieldTopic      = "topic"
	fieldTag        = "tag"
	fieldBody       = "body"   // raw []byte to reduce allocs (no base64)
	fieldBornAt     = "bornAt" // int64 ns
	fieldPartition  = "partition"
	fieldMetaPrefix = "meta:"
)

// Key suffixes under Config.Prefix.
const (
	keyDelay  = "xmq:delay"
	keyHalf   = "xmq:half"
	keyChecks = "xmq:half:checks"
	keyLease  = "xmq:lease:"
)
