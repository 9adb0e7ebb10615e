/*
WAL persists every book mutation and book snapshot as CRC-checked records in
size-bounded segment files.

# Module
  - store: append with fsync, rotation, segment index, crash tail truncation
  - iterator: ordered read across segments, stops at the first bad record
  - reader: single record decoding

# Source
  - ticks, order events and fills from engine
  - book snapshots from snapshot scheduler

# Produce
  - records for replay and recovery

# Sharded
  - none, one store is shared by every engine shard
*/
package wal
