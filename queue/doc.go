// Package queue implements a persistent job queue: a Client submits jobs
// and observes their lifecycle, a Server owns a fleet of Workers plus a
// Limiter and a cleanup loop, and storage backends (storage/memory,
// storage/sqlite, storage/redis, storage/bolt) persist JobRecords behind a
// shared IQueueStorage contract.
package queue
