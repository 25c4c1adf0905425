// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package template renders role-tagged conversation turns into the
// byte-exact prompt string a model's chat-template family expects, and
// scrubs the family's control markers and role-leakage prefixes back out
// of whatever the model emits (spec.md §4.2).
package template

import (
	"strings"

	"github.com/everettbu/chatsafe/chatmsg"
	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/registry"
)

// defaultSystemPrompt is prepended to llama3 prompts that carry no system
// turn, per spec.md §4.2.
const defaultSystemPrompt = "You are a helpful, concise assistant."

// RoleLabels are the line-start prefixes stripped by Clean — a model that
// hallucinates a continuation of the conversation tends to roleplay both
// sides under one of these labels.
var RoleLabels = []string{"AI:", "You:", "User:", "Assistant:", "Human:", "Bot:"}

// ControlMarkers returns the literal template-family tokens Clean strips
// for family, in no particular order. Exported so the stream pipeline can
// compute how much text to hold back at a chunk boundary (spec.md §4.5).
func ControlMarkers(family registry.Family) []string {
	switch family {
	case registry.Llama3:
		return []string{"<|begin_of_text|>", "<|start_header_id|>", "<|end_header_id|>", "<|eot_id|>", "<|end_of_text|>"}
	case registry.ChatML:
		return []string{"<|im_start|>", "<|im_end|>"}
	case registry.Alpaca:
		return []string{"### Instruction:", "### Input:", "### Response:"}
	default:
		return nil
	}
}

// Render produces the byte-exact prompt a model of family mc.Family
// expects for msgs (spec.md §4.2). msgs must use only System/User/Assistant
// roles; anything else is an invalid_request.
func Render(msgs []chatmsg.Message, mc *registry.ModelConfig) (string, error) {
	for _, m := range msgs {
		if !m.Role.Valid() {
			return "", gatewayerr.Newf(gatewayerr.InvalidRequest, "unknown role %q", m.Role)
		}
	}
	switch mc.Family {
	case registry.Llama3:
		return renderLlama3(msgs), nil
	case registry.ChatML:
		return renderChatML(msgs), nil
	case registry.Alpaca:
		return renderAlpaca(msgs), nil
	default:
		return "", gatewayerr.Newf(gatewayerr.ConfigError, "unknown template family %q", mc.Family)
	}
}

func renderLlama3(msgs []chatmsg.Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	hasSystem := false
	for _, m := range msgs {
		if m.Role == chatmsg.System {
			hasSystem = true
			break
		}
	}
	if !hasSystem {
		writeLlama3Turn(&b, chatmsg.System, defaultSystemPrompt)
	}
	for _, m := range msgs {
		writeLlama3Turn(&b, m.Role, m.Content)
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n")
	return b.String()
}

func writeLlama3Turn(b *strings.Builder, role chatmsg.Role, content string) {
	b.WriteString("<|start_header_id|>")
	b.WriteString(string(role))
	b.WriteString("<|end_header_id|>\n")
	b.WriteString(content)
	b.WriteString("<|eot_id|>")
}

func renderChatML(msgs []chatmsg.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("<|im_start|>")
		b.WriteString(string(m.Role))
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func renderAlpaca(msgs []chatmsg.Message) string {
	system := ""
	var history []string
	for _, m := range msgs {
		if m.Role == chatmsg.System {
			if system == "" {
				system = m.Content
			}
			continue
		}
		history = append(history, m.Content)
	}
	var b strings.Builder
	b.WriteString("### Instruction:\n")
	b.WriteString(system)
	b.WriteString("\n\n### Input:\n")
	b.WriteString(strings.Join(history, "\n"))
	b.WriteString("\n\n### Response:\n")
	return b.String()
}

// Clean strips template markers, configured stop sequences, and
// line-start role-leakage labels from text, per spec.md §4.2. It is
// idempotent: Clean(mc, Clean(mc, x)) == Clean(mc, x).
func Clean(mc *registry.ModelConfig, text string) string {
	for _, stop := range mc.StopSequences {
		if stop != "" {
			text = strings.ReplaceAll(text, stop, "")
		}
	}
	if mc.Family == registry.Llama3 {
		// A whole llama3 role header goes, role name included.
		for _, role := range []chatmsg.Role{chatmsg.System, chatmsg.User, chatmsg.Assistant} {
			text = strings.ReplaceAll(text, "<|start_header_id|>"+string(role)+"<|end_header_id|>", "")
		}
	}
	for _, marker := range ControlMarkers(mc.Family) {
		text = strings.ReplaceAll(text, marker, "")
	}
	text = stripRoleLeakLines(text)
	return strings.TrimRight(text, " \t\r\n")
}

// stripRoleLeakLines removes every line that begins with one of
// RoleLabels, preserving the remaining lines' relative order.
func stripRoleLeakLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if hasRoleLabel(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasRoleLabel(line string) bool {
	for _, label := range RoleLabels {
		if strings.HasPrefix(line, label) {
			return true
		}
	}
	return false
}
