// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The control server schedules destroy-grace kills and the reference
// worker emits metadata on a ticker. Both take a Clock so tests can
// drive time with Fake instead of sleeping:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	server := newServer(..., fake)
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
package clock
