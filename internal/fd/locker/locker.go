// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package locker holds two process-wide debug toggles read by
// restore.Driver: whether a violated invariant should crash the
// process, and whether lock acquisitions around shared restore state
// should be logged. Both default to off so a normal restore pass pays
// nothing for them.
package locker

import "sync/atomic"

var (
	invariantsEnabled    int32
	debugMessagesEnabled int32
)

// EnableInvariantsCheck makes a violated Driver invariant panic instead
// of only being logged. Intended for --debug-invariants.
func EnableInvariantsCheck() {
	atomic.StoreInt32(&invariantsEnabled, 1)
}

// InvariantsCheckEnabled reports whether EnableInvariantsCheck has been
// called.
func InvariantsCheckEnabled() bool {
	return atomic.LoadInt32(&invariantsEnabled) != 0
}

// EnableDebugMessages turns on logging of Driver lock acquisitions and
// releases. Intended for --debug-mutex.
func EnableDebugMessages() {
	atomic.StoreInt32(&debugMessagesEnabled, 1)
}

// DebugMessagesEnabled reports whether EnableDebugMessages has been
// called.
func DebugMessagesEnabled() bool {
	return atomic.LoadInt32(&debugMessagesEnabled) != 0
}
