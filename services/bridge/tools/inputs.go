// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxMessageBytes bounds the text of one send_message call.
const MaxMessageBytes = 32 * 1024

// maxIDLength bounds client and conversation identifiers.
const maxIDLength = 256

// inputValidate is the validator instance for tool inputs.
// Initialized in init() with custom validators.
var inputValidate *validator.Validate

func init() {
	inputValidate = validator.New()
	_ = inputValidate.RegisterValidation("maxbytes", validateMaxBytes)
	inputValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// StartConversationInput is the start_conversation argument set.
type StartConversationInput struct {
	ClientID string `json:"client_id" validate:"required,max=256,printascii"`
}

// SendMessageInput is the send_message argument set. An empty
// ConversationID starts a new conversation for ClientID.
type SendMessageInput struct {
	ClientID       string `json:"client_id" validate:"required,max=256,printascii"`
	Message        string `json:"message" validate:"required,maxbytes"`
	ConversationID string `json:"conversation_id" validate:"omitempty,max=256,printascii"`
}

// ConversationInput is the argument set of tools that address one
// existing conversation.
type ConversationInput struct {
	ConversationID string `json:"conversation_id" validate:"required,max=256,printascii"`
}

// ErrInvalidInput wraps every argument decoding or validation failure.
var ErrInvalidInput = errors.New("invalid input")

// decodeArgs converts raw tool arguments into dst and validates it.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := inputValidate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, describeValidation(err))
	}
	return nil
}

// describeValidation renders validator errors as "field: rule" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "maxbytes":
			parts = append(parts, fmt.Sprintf("%s exceeds %d bytes", fe.Field(), MaxMessageBytes))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
