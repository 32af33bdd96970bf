package engine

import "slices"

// chatHistory accumulates the token ids of a conversation.
type chatHistory struct {
	tokens []int
}

// StartChat begins a conversation seeded with system tokens. Until
// FinishChat, each Generate call takes a single prompt which is appended
// to the history; the prompt and the first generated sequence then
// extend it. Repeated turns share their history prefix, which the prefix
// cache serves without recomputation.
func (p *Pipeline) StartChat(system []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chat = &chatHistory{tokens: slices.Clone(system)}
	if p.chat.tokens == nil {
		p.chat.tokens = []int{}
	}
}

// FinishChat drops the conversation history.
func (p *Pipeline) FinishChat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chat = nil
}

// ChatHistory returns a copy of the current conversation, or nil outside
// chat mode.
func (p *Pipeline) ChatHistory() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chat == nil {
		return nil
	}
	return slices.Clone(p.chat.tokens)
}
