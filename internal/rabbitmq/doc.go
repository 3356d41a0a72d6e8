// Package rabbitmq is the broker client boundary of dispatch.
//
// This package includes:
//   - ConnectionManager: owns the connection, logs flow control and reconnects
//   - ChannelPool: bounded pool of confirm-mode channels with idle eviction
//   - Publisher: confirmed publishing with exactly one outcome per message
//   - Consumer: per-queue consumption on dedicated channels
//   - TopologyChecker: passive verification of queues and exchanges
package rabbitmq
