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

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/events"
	"github.com/apex/log"
)

// Gate decides who may connect and what they may subscribe to
type Gate interface {
	// Authenticate verify a raw access token and return the user it belongs to
	Authenticate(ctxt context.Context, raw string) (string, error)
	// Authorize whether a user may receive the events of a topic
	Authorize(ctxt context.Context, userID string, topic events.Topic) (bool, error)
}

// gateImpl implements Gate
type gateImpl struct {
	goutils.Component
	verifier  *TokenVerifier
	directory Directory
}

// GetGate define a Gate
//
//	@param verifier *TokenVerifier - access token verifier
//	@param directory Directory - user and ownership directory
//	@return the gate
func GetGate(verifier *TokenVerifier, directory Directory) (Gate, error) {
	if verifier == nil || directory == nil {
		return nil, fmt.Errorf("auth gate requires a token verifier and a directory")
	}
	return &gateImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "auth", "component": "gate"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		verifier:  verifier,
		directory: directory,
	}, nil
}

// Authenticate verify a raw access token and return the user it belongs to
func (g *gateImpl) Authenticate(ctxt context.Context, raw string) (string, error) {
	logTags := g.GetLogTagsForContext(ctxt)
	userID, err := g.verifier.Verify(raw)
	if err != nil {
		log.WithError(err).WithFields(logTags).Debug("Token rejected")
		return "", err
	}
	if err := g.directory.CheckUser(ctxt, userID); err != nil {
		log.WithError(err).WithFields(logTags).Debugf("User '%s' rejected", userID)
		return "", err
	}
	return userID, nil
}

// Authorize whether a user may receive the events of a topic
func (g *gateImpl) Authorize(
	ctxt context.Context, userID string, topic events.Topic,
) (bool, error) {
	allowed, err := g.directory.OwnsResource(ctxt, userID, topic)
	if err != nil {
		log.WithError(err).WithFields(g.GetLogTagsForContext(ctxt)).Errorf(
			"Unable to authorize '%s' for %s", userID, topic,
		)
		return false, err
	}
	if !allowed {
		log.WithFields(g.GetLogTagsForContext(ctxt)).Debugf("User '%s' denied %s", userID, topic)
	}
	return allowed, nil
}
