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

package ws

import (
	"encoding/base64"
	"net"
)

func base64DecodeStd(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// splitHostPortDefault mirrors the teacher's wsGetHostAndPort: when
// hostport carries no explicit port, default to 443/80 based on tls.
func splitHostPortDefault(hostport string, tls bool) (string, string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		if ae, ok := err.(*net.AddrError); ok && isMissingPort(ae.Err) {
			host = hostport
			if tls {
				port = "443"
			} else {
				port = "80"
			}
			return host, port, nil
		}
		return "", "", err
	}
	return host, port, nil
}

func isMissingPort(reason string) bool {
	return reason == "missing port in address"
}
