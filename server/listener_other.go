// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !linux && !darwin
// +build !linux,!darwin

package server

import "net"

// listen opens a plain TCP listener. SO_REUSEPORT tuning is a
// linux/darwin-only concern (see listener_unix.go); reusePort is ignored
// elsewhere.
func listen(addr string, _ bool) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
