package expect

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// Action 匹配到应答模式后的动作
type Action int

const (
	// ActionSend 发送 Answer 并停留在当前步骤
	ActionSend Action = iota
	// ActionBreak 结束登录步骤，直接等待命令提示符
	ActionBreak
	// ActionFail 登录失败，匹配位置之前的输出作为错误详情
	ActionFail
	actionPrompt
)

// 同一步骤内最多匹配次数，超过视为循环
const maxStepMatches = 10

// Reply 一个应答：模式 + 应答文本
type Reply struct {
	Pattern *regexp.Regexp
	Answer  string
	Action  Action
	// Raw 为 true 时 Answer 不追加行结束符（例如分页空格）
	Raw bool
}

// Step 登录过程中的一个步骤，包含若干候选应答
// 匹配时同时考察当前步骤与下一步骤的模式，取最早出现者；命中下一步骤即前进
type Step []Reply

// Login 按步骤完成登录，提示符模式作为隐含的最后一步并被学习
func (s *Session) Login(ctx context.Context, steps []Step, timeout time.Duration) error {
	switch s.state {
	case StateReady:
		return nil
	case StateClosed, StateError:
		return collecterr.NotConnected("login", "session is %s", s.state)
	}
	s.state = StateConnecting
	err := s.follow(ctx, steps, deadlineFor(ctx, timeout), true)
	if err == nil {
		return nil
	}
	return s.connectFailure(err, timeout)
}

// follow 执行步骤；learn 为 true 时追加提示符步骤并学习提示符
func (s *Session) follow(ctx context.Context, steps []Step, deadline time.Time, learn bool) error {
	all := append([]Step(nil), steps...)
	if learn {
		all = append(all, Step{{Pattern: s.opts.Patterns.Prompt, Action: actionPrompt}})
	}
	if len(all) == 0 {
		return nil
	}
	idx, hits := 0, 0
	done := false

	match := func() (bool, error) {
		if done {
			return true, nil
		}
		cands := all[idx]
		if idx+1 < len(all) {
			cands = append(append(Step(nil), all[idx]...), all[idx+1]...)
		}
		best := -1
		var bestLoc []int
		for i, r := range cands {
			if r.Pattern == nil {
				continue
			}
			loc := r.Pattern.FindSubmatchIndex(s.buf)
			if loc != nil && (best < 0 || loc[0] < bestLoc[0]) {
				best, bestLoc = i, loc
			}
		}
		if best < 0 {
			return false, nil
		}
		var last bool
		if best >= len(all[idx]) {
			idx++
			hits = 0
			last = idx == len(all)-1
		} else {
			last = idx == len(all)-1
			hits++
			if hits > maxStepMatches {
				return false, collecterr.Collect("login", nil, "step %d matched %d times, login loop suspected", idx, hits)
			}
		}

		r := cands[best]
		switch r.Action {
		case actionPrompt:
			s.learnPrompt(bestLoc)
			return true, nil
		case ActionFail:
			detail := strings.TrimSpace(string(s.buf[:bestLoc[0]]))
			if detail == "" {
				detail = strings.TrimSpace(string(s.buf[bestLoc[0]:bestLoc[1]]))
			}
			return false, collecterr.Connection("login", nil, "%s", detail)
		case ActionBreak:
			s.consume(bestLoc[1])
			if !learn {
				done = true
				return true, nil
			}
			idx = len(all) - 1
			hits = 0
			s.state = StateAwaitingPrompt
			return false, nil
		}

		answer := r.Answer
		if !r.Raw {
			answer += s.opts.Terminator
		}
		if err := s.write(answer); err != nil {
			return false, &streamError{err: err}
		}
		s.consume(bestLoc[1])
		// 退出流程无提示符步骤，最后一步应答后即结束
		if !learn && last {
			done = true
		}
		return false, nil
	}
	return s.waitFor(ctx, deadline, match, nil)
}
