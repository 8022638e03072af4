// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import "github.com/google/uuid"

// HeaderXShadowRequestID carries the correlation ID that joins the primary
// forward, the compare mirror, and the client response of one request. The
// proxy strips any client-sent value and always generates its own.
const HeaderXShadowRequestID = "x-shadow-request-id"

func newCorrelationID() string {
	return uuid.NewString()
}
