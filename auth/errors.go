// Copyright 2026 The pushgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import "errors"

var (
	// ErrMissingToken no access token was presented
	ErrMissingToken = errors.New("access token missing")
	// ErrInvalidToken the access token failed verification
	ErrInvalidToken = errors.New("access token invalid")
	// ErrUnknownUser the token subject is not a known user
	ErrUnknownUser = errors.New("unknown user")
	// ErrInactiveUser the user exists but is deactivated
	ErrInactiveUser = errors.New("user is inactive")
	// ErrDirectoryUnavailable the user directory could not answer
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
)
