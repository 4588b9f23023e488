package messaging

// Topic constants for the pool and bridge messaging system
const (
	// Pool workflow topics
	TopicShares       = "pool.shares"        // poold → durability consumers
	TopicShareResults = "pool.share_results" // poold → statsd
	TopicBlocks       = "pool.blocks"        // poold → payout and stats consumers (HOT PATH)
	TopicPoolStats    = "pool.stats"         // poold → apiserver

	// Bridge topics
	TopicBridgeDeposits    = "bridge.deposits"    // attestation relays → bridged
	TopicBridgeWithdrawals = "bridge.withdrawals" // burn requests → bridged
	TopicBridgeEvents      = "bridge.events"      // bridged → audit log
)
