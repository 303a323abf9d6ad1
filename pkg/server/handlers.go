package server

import (
	"errors"
	"log"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/FHNW-Dream-Team/chat/pkg/database"
	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
)

// commandHandler runs one command. The returned error is reserved for
// transport failures on the caller's own connection; every other outcome
// is a reply line.
type commandHandler func(sess *Session, fields []string) error

func (s *Server) commandTable() map[protocol.Command]commandHandler {
	return map[protocol.Command]commandHandler{
		protocol.CmdCreateLogin:       s.handleCreateLogin,
		protocol.CmdLogin:             s.handleLogin,
		protocol.CmdChangePassword:    s.handleChangePassword,
		protocol.CmdDeleteLogin:       s.handleDeleteLogin,
		protocol.CmdLogout:            s.handleLogout,
		protocol.CmdCreateChatroom:    s.handleCreateChatroom,
		protocol.CmdJoinChatroom:      s.handleJoinChatroom,
		protocol.CmdLeaveChatroom:     s.handleLeaveChatroom,
		protocol.CmdDeleteChatroom:    s.handleDeleteChatroom,
		protocol.CmdListChatrooms:     s.handleListChatrooms,
		protocol.CmdPing:              s.handlePing,
		protocol.CmdSendMessage:       s.handleSendMessage,
		protocol.CmdUserOnline:        s.handleUserOnline,
		protocol.CmdListChatroomUsers: s.handleListChatroomUsers,
	}
}

// handleLine decodes one inbound line and dispatches it
func (s *Server) handleLine(sess *Session, line string) error {
	cmd, fields, err := protocol.ParseCommand(line)
	if err != nil {
		debugLog.Printf("Session %d: malformed line: %v", sess.ID, err)
		return s.sendError(sess, protocol.ErrTextInvalidCommand)
	}

	if !sess.Allow() {
		debugLog.Printf("Session %d: rate limited on %s", sess.ID, cmd)
		return s.sendError(sess, protocol.ErrTextRateLimited)
	}

	handler, ok := s.handlers[cmd]
	if !ok {
		return s.sendError(sess, protocol.ErrTextInvalidCommand)
	}

	if s.metrics != nil {
		s.metrics.RecordCommandReceived(string(cmd))
	}
	debugLog.Printf("Session %d ← %s (%d fields)", sess.ID, cmd, len(fields))

	return s.runHandler(sess, cmd, handler, fields)
}

// runHandler shields the connection from a panicking handler
func (s *Server) runHandler(sess *Session, cmd protocol.Command, handler commandHandler, fields []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Session %d: panic in %s handler: %v", sess.ID, cmd, r)
			err = s.sendError(sess, protocol.ErrTextInternal)
		}
	}()
	return handler(sess, fields)
}

// sendResult writes a Result line to the session
func (s *Server) sendResult(sess *Session, cmd protocol.Command, ok bool, extra ...string) error {
	if s.metrics != nil {
		s.metrics.RecordCommandResult(string(cmd), ok)
	}
	return sess.Conn.WriteLine(protocol.Result(cmd, ok, extra...))
}

// sendError writes a MessageError line to the session
func (s *Server) sendError(sess *Session, text string) error {
	if s.metrics != nil {
		s.metrics.RecordProtocolError(text)
	}
	return sess.Conn.WriteLine(protocol.MessageError(text))
}

// authenticate resolves the token field to a username
func (s *Server) authenticate(token string) (string, bool) {
	acc, ok := s.accounts.Validate(token)
	if !ok {
		return "", false
	}
	return acc.Username, true
}

func (s *Server) handleCreateLogin(sess *Session, fields []string) error {
	username, password := fields[0], fields[1]

	s.namespaceMu.Lock()
	var err error
	if s.chatrooms.Exists(username) {
		err = database.ErrNameTaken
	} else {
		err = s.accounts.Create(username, password)
	}
	s.namespaceMu.Unlock()

	if err != nil {
		debugLog.Printf("Session %d: CreateLogin %q rejected: %v", sess.ID, username, err)
		return s.sendResult(sess, protocol.CmdCreateLogin, false)
	}
	log.Printf("Account created: %s", username)
	return s.sendResult(sess, protocol.CmdCreateLogin, true)
}

func (s *Server) handleLogin(sess *Session, fields []string) error {
	username, password := fields[0], fields[1]

	token, err := s.accounts.Authenticate(username, password)
	if err != nil {
		debugLog.Printf("Session %d: login as %q failed", sess.ID, username)
		return s.sendResult(sess, protocol.CmdLogin, false)
	}

	if prev := s.sessions.Bind(sess, username, token); prev != nil {
		debugLog.Printf("Session %d: %s logged in again, session %d unbound", sess.ID, username, prev.ID)
	}
	if s.metrics != nil {
		s.metrics.RecordOnlineUsers(s.sessions.CountOnlineUsers())
	}
	return s.sendResult(sess, protocol.CmdLogin, true, token)
}

func (s *Server) handleChangePassword(sess *Session, fields []string) error {
	err := s.accounts.ChangePassword(fields[0], fields[1])
	return s.sendResult(sess, protocol.CmdChangePassword, err == nil)
}

func (s *Server) handleDeleteLogin(sess *Session, fields []string) error {
	token := fields[0]

	// The name stays reserved until its rooms are gone, so a new account
	// with the same name never inherits them
	s.namespaceMu.Lock()
	username, err := s.accounts.Delete(token)
	var deleted []string
	var left int
	if err == nil {
		deleted, left = s.chatrooms.RemoveUser(username)
	}
	s.namespaceMu.Unlock()
	if err != nil {
		return s.sendResult(sess, protocol.CmdDeleteLogin, false)
	}

	s.sessions.UnbindUser(username)
	log.Printf("Account deleted: %s (left %d chatrooms, deleted %d)", username, left, len(deleted))
	return s.sendResult(sess, protocol.CmdDeleteLogin, true)
}

func (s *Server) handleLogout(sess *Session, fields []string) error {
	token := sess.Token()
	if len(fields) > 0 {
		token = fields[0]
	}

	s.accounts.Logout(token)
	if token != "" {
		s.sessions.UnbindToken(token)
	}
	if len(fields) == 0 {
		s.sessions.Unbind(sess)
	}
	if s.metrics != nil {
		s.metrics.RecordOnlineUsers(s.sessions.CountOnlineUsers())
	}
	return s.sendResult(sess, protocol.CmdLogout, true)
}

func (s *Server) handleCreateChatroom(sess *Session, fields []string) error {
	username, ok := s.authenticate(fields[0])
	if !ok {
		return s.sendResult(sess, protocol.CmdCreateChatroom, false)
	}
	name := fields[1]
	isPublic, err := strconv.ParseBool(fields[2])
	if err != nil {
		return s.sendResult(sess, protocol.CmdCreateChatroom, false)
	}
	kind := database.KindPrivate
	if isPublic {
		kind = database.KindPublic
	}

	s.namespaceMu.Lock()
	created := false
	if !s.accounts.Exists(name) {
		_, created, err = s.chatrooms.CreateOrGet(name, kind, username)
	}
	s.namespaceMu.Unlock()

	if err != nil || !created {
		return s.sendResult(sess, protocol.CmdCreateChatroom, false)
	}
	log.Printf("Chatroom created: %s (%s) by %s", name, kind, username)
	return s.sendResult(sess, protocol.CmdCreateChatroom, true)
}

func (s *Server) handleJoinChatroom(sess *Session, fields []string) error {
	actor, ok := s.authenticate(fields[0])
	if !ok {
		return s.sendResult(sess, protocol.CmdJoinChatroom, false)
	}
	err := s.chatrooms.Join(fields[1], actor, fields[2], s.accounts.Exists)
	return s.sendResult(sess, protocol.CmdJoinChatroom, err == nil)
}

func (s *Server) handleLeaveChatroom(sess *Session, fields []string) error {
	actor, ok := s.authenticate(fields[0])
	if !ok {
		return s.sendResult(sess, protocol.CmdLeaveChatroom, false)
	}
	err := s.chatrooms.Leave(fields[1], actor, fields[2])
	return s.sendResult(sess, protocol.CmdLeaveChatroom, err == nil)
}

func (s *Server) handleDeleteChatroom(sess *Session, fields []string) error {
	actor, ok := s.authenticate(fields[0])
	if !ok {
		return s.sendResult(sess, protocol.CmdDeleteChatroom, false)
	}
	err := s.chatrooms.Delete(fields[1], actor)
	if err == nil {
		log.Printf("Chatroom deleted: %s by %s", fields[1], actor)
	}
	return s.sendResult(sess, protocol.CmdDeleteChatroom, err == nil)
}

func (s *Server) handleListChatrooms(sess *Session, fields []string) error {
	if _, ok := s.authenticate(fields[0]); !ok {
		return s.sendResult(sess, protocol.CmdListChatrooms, false)
	}
	return s.sendResult(sess, protocol.CmdListChatrooms, true, s.chatrooms.ListPublic()...)
}

func (s *Server) handlePing(sess *Session, fields []string) error {
	if len(fields) == 0 {
		return s.sendResult(sess, protocol.CmdPing, true)
	}
	_, ok := s.authenticate(fields[0])
	return s.sendResult(sess, protocol.CmdPing, ok)
}

func (s *Server) handleUserOnline(sess *Session, fields []string) error {
	if _, ok := s.authenticate(fields[0]); !ok {
		return s.sendResult(sess, protocol.CmdUserOnline, false)
	}
	return s.sendResult(sess, protocol.CmdUserOnline, s.sessions.IsOnline(fields[1]))
}

func (s *Server) handleListChatroomUsers(sess *Session, fields []string) error {
	actor, ok := s.authenticate(fields[0])
	if !ok {
		return s.sendResult(sess, protocol.CmdListChatroomUsers, false)
	}
	members, err := s.chatrooms.ListMembers(fields[1], actor)
	if err != nil {
		return s.sendResult(sess, protocol.CmdListChatroomUsers, false)
	}
	return s.sendResult(sess, protocol.CmdListChatroomUsers, true, members...)
}

var (
	errMessageTooLong  = errors.New("message too long")
	errRecipientAbsent = errors.New("recipient not online")
	errNoSuchTarget    = errors.New("no such user or chatroom")
)

func (s *Server) handleSendMessage(sess *Session, fields []string) error {
	sender, ok := s.authenticate(fields[0])
	if !ok {
		return s.sendResult(sess, protocol.CmdSendMessage, false)
	}

	err := s.deliverMessage(sender, fields[1], fields[2])
	if err != nil {
		debugLog.Printf("Session %d: SendMessage from %s to %q failed: %v", sess.ID, sender, fields[1], err)
	}
	return s.sendResult(sess, protocol.CmdSendMessage, err == nil)
}

// deliverMessage routes text from sender to a user or a chatroom. Recipients
// get a MessageText line; the sender never receives its own message.
func (s *Server) deliverMessage(sender, target, text string) error {
	if utf8.RuneCountInString(text) > s.config.MaxMessageLength {
		return errMessageTooLong
	}

	start := time.Now()
	line := protocol.MessageText(sender, target, text)

	if s.accounts.Exists(target) {
		if target == sender {
			return database.ErrSelfDirect
		}
		if !s.sessions.IsOnline(target) {
			return errRecipientAbsent
		}
		if _, err := s.chatrooms.EnsureDirect(sender, target); err != nil {
			return err
		}
		delivered := s.sessions.Send(target, line)
		if s.metrics != nil {
			s.metrics.RecordBroadcast(1, boolToInt(delivered), time.Since(start))
		}
		if !delivered {
			return errRecipientAbsent
		}
		return nil
	}

	room, ok := s.chatrooms.Get(target)
	if !ok {
		return errNoSuchTarget
	}
	if !room.HasMember(sender) {
		return database.ErrNotMember
	}

	recipients, delivered := 0, 0
	for _, member := range room.MemberList() {
		if member == sender {
			continue
		}
		recipients++
		if s.sessions.Send(member, line) {
			delivered++
		}
	}
	if s.metrics != nil {
		s.metrics.RecordBroadcast(recipients, delivered, time.Since(start))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
