// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-caresync - Offline-First Care Journal Sync")
	fmt.Println("=============================================")
	fmt.Println()
	fmt.Println("go-caresync keeps a family care journal usable with or without a")
	fmt.Println("network: every edit lands in a local SQLite store first, queues in a")
	fmt.Println("durable outbox, and replays against the server when connectivity")
	fmt.Println("returns. Concurrent edits from other caregivers surface as conflicts")
	fmt.Println("to resolve, never as silent overwrites.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  caresqlite/  - client engine: local store, outbox queue, sync")
	fmt.Println("                 driver, conflict resolver, connectivity watcher")
	fmt.Println("  caresync/    - server: per-entity REST API with optimistic")
	fmt.Println("                 concurrency, backed by Postgres")
	fmt.Println()

	fmt.Println("Run the server:")
	fmt.Println()
	fmt.Println("  CARESYNCD_JWT_SECRET=change-me go run ./cmd/caresyncd serve")
	fmt.Println()
	fmt.Println("Mint a development token:")
	fmt.Println()
	fmt.Println("  CARESYNCD_JWT_SECRET=change-me go run ./cmd/caresyncd token user-1 device-1")
	fmt.Println()
}
