// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the Go linker.
package version

// Version is populated via -ldflags "-X .../internal/version.Version=v1.2.3"
// at release build time. Unstamped builds report "dev".
var Version = "dev"
