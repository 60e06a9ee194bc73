package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"dsawrangler/internal/infra/logx"
)

// Authenticator exchanges credentials for a DSA token.
type Authenticator func(user, pass string) (string, error)

type loginState int

const (
	loginPrompt loginState = iota
	loginValidating
	loginDone
)

type loginResultMsg struct {
	token string
	err   error
}

// LoginModel prompts for username and password and validates them.
type LoginModel struct {
	apiURL  string
	inputs  [2]textinput.Model
	focus   int
	state   loginState
	spinner spinner.Model
	auth    Authenticator
	token   string
	err     error
	aborted bool
	status  string
}

// NewLoginModel prepares the prompt. user pre-fills the username field.
func NewLoginModel(apiURL, user string, auth Authenticator) LoginModel {
	u := textinput.New()
	u.Placeholder = "username"
	u.CharLimit = 128
	u.SetValue(user)
	u.Focus()

	p := textinput.New()
	p.Placeholder = "password"
	p.EchoMode = textinput.EchoPassword
	p.EchoCharacter = '•'
	p.CharLimit = 256

	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = subtitleStyle

	m := LoginModel{apiURL: apiURL, inputs: [2]textinput.Model{u, p}, spinner: sp, auth: auth}
	if strings.TrimSpace(user) != "" {
		m.setFocus(1)
	}
	return m
}

// Token is the validated token, empty unless login succeeded.
func (m LoginModel) Token() string { return m.token }

// Aborted reports whether the user quit before a token was obtained.
func (m LoginModel) Aborted() bool { return m.aborted }

func (m *LoginModel) setFocus(i int) {
	m.focus = i
	for j := range m.inputs {
		if j == i {
			m.inputs[j].Focus()
		} else {
			m.inputs[j].Blur()
		}
	}
}

func (m LoginModel) Init() tea.Cmd { return textinput.Blink }

func (m LoginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case loginResultMsg:
		if msg.err != nil {
			m.state = loginPrompt
			m.err = msg.err
			m.status = "Login failed."
			m.inputs[1].SetValue("")
			m.setFocus(1)
			return m, nil
		}
		m.state = loginDone
		m.token = msg.token
		m.err = nil
		return m, tea.Quit
	case spinner.TickMsg:
		if m.state == loginValidating {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

func (m LoginModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" || key == "esc" {
		m.aborted = true
		return m, tea.Quit
	}
	if m.state != loginPrompt {
		return m, nil
	}
	switch key {
	case "tab", "down", "shift+tab", "up":
		m.setFocus(1 - m.focus)
		return m, nil
	case "enter":
		if m.focus == 0 {
			m.setFocus(1)
			return m, nil
		}
		user := strings.TrimSpace(m.inputs[0].Value())
		pass := m.inputs[1].Value()
		if user == "" || pass == "" {
			m.status = "Username and password are required."
			return m, nil
		}
		logx.RegisterSecret(pass)
		m.state = loginValidating
		m.status = "Authenticating…"
		return m, tea.Batch(m.spinner.Tick, m.authCmd(user, pass))
	}
	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m LoginModel) authCmd(user, pass string) tea.Cmd {
	auth := m.auth
	return func() tea.Msg {
		if auth == nil {
			return loginResultMsg{err: fmt.Errorf("no authenticator configured")}
		}
		tok, err := auth(user, pass)
		if err == nil {
			logx.RegisterSecret(tok)
		}
		return loginResultMsg{token: tok, err: err}
	}
}

func (m LoginModel) View() string {
	title := titleStyle.Render("🔑 DSA Login")
	var b strings.Builder
	b.WriteString(title + "\n")
	b.WriteString(subtitleStyle.Render(m.apiURL) + "\n\n")
	switch m.state {
	case loginValidating:
		b.WriteString(m.spinner.View() + " " + subtitleStyle.Render("Authenticating…"))
	case loginDone:
		b.WriteString(okStyle.Render("✓ Token received"))
	default:
		b.WriteString(m.inputs[0].View() + "\n")
		b.WriteString(m.inputs[1].View())
		if m.err != nil {
			b.WriteString("\n" + errorStyle.Render("❌ "+m.err.Error()))
		}
	}
	help := renderFooter(m.status, "⌨️  Tab: switch field  •  Enter: confirm  •  Esc: cancel")
	return welcomeBoxStyle.Render(b.String()) + "\n" + help
}
