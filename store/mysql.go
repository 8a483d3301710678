package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

// Schema creates the tables used by MySQLStore.
var Schema = []string{
	"CREATE TABLE IF NOT EXISTS users (" +
		"id VARCHAR(64) NOT NULL PRIMARY KEY, " +
		"display_name VARCHAR(128) NOT NULL DEFAULT '', " +
		"username VARCHAR(32) NULL, " +
		"device_token VARCHAR(512) NOT NULL DEFAULT '', " +
		"create_time DATETIME(3) NOT NULL, " +
		"UNIQUE KEY uk_username (username))",
	"CREATE TABLE IF NOT EXISTS conversations (" +
		"id CHAR(32) NOT NULL PRIMARY KEY, " +
		"user_a VARCHAR(64) NOT NULL, " +
		"user_b VARCHAR(64) NOT NULL, " +
		"create_time DATETIME(3) NOT NULL, " +
		"last_seq BIGINT NOT NULL DEFAULT 0, " +
		"last_sender VARCHAR(64) NULL, " +
		"last_kind VARCHAR(16) NULL, " +
		"last_content TEXT NULL, " +
		"last_time DATETIME(3) NULL, " +
		"INDEX idx_user_a (user_a), INDEX idx_user_b (user_b))",
	"CREATE TABLE IF NOT EXISTS messages (" +
		"conversation_id CHAR(32) NOT NULL, " +
		"seq BIGINT NOT NULL, " +
		"id VARCHAR(64) NOT NULL, " +
		"sender_id VARCHAR(64) NOT NULL, " +
		"content TEXT NOT NULL, " +
		"kind VARCHAR(16) NOT NULL, " +
		"media_ref VARCHAR(1024) NOT NULL DEFAULT '', " +
		"create_time DATETIME(3) NOT NULL, " +
		"delivered TINYINT NOT NULL DEFAULT 0, " +
		"read_state TINYINT NOT NULL DEFAULT 0, " +
		"PRIMARY KEY (conversation_id, seq), UNIQUE KEY uk_id (id))",
	"CREATE TABLE IF NOT EXISTS idempotency (" +
		"sender_id VARCHAR(64) NOT NULL, " +
		"conversation_id CHAR(32) NOT NULL, " +
		"idem_key VARCHAR(128) NOT NULL, " +
		"seq BIGINT NOT NULL, " +
		"create_time DATETIME(3) NOT NULL, " +
		"PRIMARY KEY (sender_id, conversation_id, idem_key), INDEX idx_create_time (create_time))",
	"CREATE TABLE IF NOT EXISTS friend_edges (" +
		"id VARCHAR(64) NOT NULL PRIMARY KEY, " +
		"pair_key VARCHAR(130) NOT NULL, " +
		"requester_id VARCHAR(64) NOT NULL, " +
		"target_id VARCHAR(64) NOT NULL, " +
		"status VARCHAR(16) NOT NULL, " +
		"create_time DATETIME(3) NOT NULL, " +
		"UNIQUE KEY uk_pair (pair_key), INDEX idx_requester (requester_id), INDEX idx_target (target_id))",
}

const (
	insertUserSQL      = "INSERT INTO users (id, display_name, create_time) VALUES (?,?,?)"
	userColumns        = "id, display_name, IFNULL(username, ''), device_token, create_time"
	getUserSQL         = "SELECT " + userColumns + " FROM users WHERE id=?"
	getUserByNameSQL   = "SELECT " + userColumns + " FROM users WHERE username=?"
	setDisplayNameSQL  = "UPDATE users SET display_name=? WHERE id=?"
	setUsernameSQL     = "UPDATE users SET username=? WHERE id=?"
	setDeviceTokenSQL  = "UPDATE users SET device_token=? WHERE id=?"
	insertConvSQL      = "INSERT INTO conversations (id, user_a, user_b, create_time) VALUES (?,?,?,?)"
	convColumns        = "id, user_a, user_b, create_time, last_seq, last_sender, last_kind, last_content, last_time"
	getConvSQL         = "SELECT " + convColumns + " FROM conversations WHERE id=?"
	listConvsSQL       = "SELECT " + convColumns + " FROM conversations WHERE user_a=? OR user_b=?"
	lockConvSeqSQL     = "SELECT last_seq FROM conversations WHERE id=? FOR UPDATE"
	updateSnapshotSQL  = "UPDATE conversations SET last_seq=?, last_sender=?, last_kind=?, last_content=?, last_time=? WHERE id=? AND last_seq=?"
	lockIdempotencySQL = "SELECT seq FROM idempotency WHERE sender_id=? AND conversation_id=? AND idem_key=? FOR UPDATE"
	insertIdemSQL      = "INSERT INTO idempotency (sender_id, conversation_id, idem_key, seq, create_time) VALUES (?,?,?,?,?)"
	cleanIdemSQL       = "DELETE FROM idempotency WHERE create_time < ?"
)

const (
	msgColumns       = "id, conversation_id, sender_id, seq, content, kind, media_ref, create_time, delivered, read_state"
	insertMessageSQL = "INSERT INTO messages (" + msgColumns + ") VALUES (?,?,?,?,?,?,?,?,0,0)"
	getMessagesSQL   = "SELECT " + msgColumns + " FROM messages WHERE conversation_id=? AND seq>? ORDER BY seq ASC LIMIT ?"
	getMessageSQL    = "SELECT " + msgColumns + " FROM messages WHERE conversation_id=? AND seq=?"
	setDeliveredSQL  = "UPDATE messages SET delivered=1 WHERE conversation_id=? AND seq=? AND delivered=0"
	markReadSQL      = "UPDATE messages SET read_state=1, delivered=1 WHERE conversation_id=? AND sender_id<>? AND seq<=? AND read_state=0"
	countUnreadSQL   = "SELECT COUNT(seq) FROM messages WHERE conversation_id=? AND sender_id<>? AND read_state=0"
)

const (
	edgeColumns      = "id, requester_id, target_id, status, create_time"
	insertEdgeSQL    = "INSERT INTO friend_edges (id, pair_key, requester_id, target_id, status, create_time) VALUES (?,?,?,?,?,?)"
	getEdgeSQL       = "SELECT " + edgeColumns + " FROM friend_edges WHERE id=?"
	lockEdgeSQL      = "SELECT " + edgeColumns + " FROM friend_edges WHERE id=? FOR UPDATE"
	getEdgeByPairSQL = "SELECT " + edgeColumns + " FROM friend_edges WHERE pair_key=?"
	acceptEdgeSQL    = "UPDATE friend_edges SET status=? WHERE id=? AND status=?"
	deleteEdgeSQL    = "DELETE FROM friend_edges WHERE id=?"
	deletePendingSQL = "DELETE FROM friend_edges WHERE id=? AND status=?"
	listEdgesSQL     = "SELECT " + edgeColumns + " FROM friend_edges WHERE requester_id=? OR target_id=?"
)

const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// MySQLStore implements interface `Store`.
type MySQLStore struct {
	*sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db}
}

// Migrate creates missing tables.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return classify(err)
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v, cause: %v", err2, err)
		}
		return classify(err)
	}

	return classify(tx.Commit())
}

func (s *MySQLStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == errDupEntry
	}
	return false
}

// classify wraps retryable driver errors with ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrTransient) {
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == errDeadlock || myErr.Number == errLockWaitTimeout {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func (s *MySQLStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	if _, err := s.ExecContext(ctx, insertUserSQL, u.ID, u.DisplayName, u.CreatedAt); err != nil {
		if !s.IsDupKeyError(err) {
			glog.Errorf("insert user err: %v", err)
			return nil, classify(err)
		}
	}
	return s.GetUser(ctx, u.ID)
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Username, &u.DeviceToken, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *MySQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, getUserSQL, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, classify(err)
	}
	return u, nil
}

func (s *MySQLStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, getUserByNameSQL, username))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("username %s: %w", username, ErrNotFound)
		}
		return nil, classify(err)
	}
	return u, nil
}

// updateUser runs an UPDATE of one user column.
func (s *MySQLStore) updateUser(ctx context.Context, query, id, value string) error {
	res, err := s.ExecContext(ctx, query, value, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// zero rows also when the value is unchanged.
		if _, err := s.GetUser(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) SetDisplayName(ctx context.Context, id, name string) error {
	return s.updateUser(ctx, setDisplayNameSQL, id, name)
}

func (s *MySQLStore) SetUsername(ctx context.Context, id, username string) error {
	err := s.updateUser(ctx, setUsernameSQL, id, username)
	if s.IsDupKeyError(err) {
		return fmt.Errorf("username %s: %w", username, ErrDuplicate)
	}
	return err
}

func (s *MySQLStore) SetDeviceToken(ctx context.Context, id, token string) error {
	return s.updateUser(ctx, setDeviceTokenSQL, id, token)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var lastSeq int64
	var sender, kind, content sql.NullString
	var lastTime sql.NullTime
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.CreatedAt,
		&lastSeq, &sender, &kind, &content, &lastTime); err != nil {
		return nil, err
	}
	if lastSeq > 0 {
		c.LastMessage = &Snapshot{
			Seq:       lastSeq,
			SenderID:  sender.String,
			Kind:      MessageKind(kind.String),
			Content:   content.String,
			CreatedAt: lastTime.Time,
		}
	}
	return &c, nil
}

func (s *MySQLStore) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, bool, error) {
	_, err := s.ExecContext(ctx, insertConvSQL, c.ID, c.Participants[0], c.Participants[1], c.CreatedAt)
	if err != nil && !s.IsDupKeyError(err) {
		glog.Errorf("insert conversation err: %v", err)
		return nil, false, classify(err)
	}
	created := err == nil
	out, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *MySQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.QueryRowContext(ctx, getConvSQL, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, classify(err)
	}
	return c, nil
}

func (s *MySQLStore) ListConversations(ctx context.Context, uid string) ([]*Conversation, error) {
	rows, err := s.QueryContext(ctx, listConvsSQL, uid, uid)
	if err != nil {
		glog.Errorf("list conversations query err: %v", err)
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			glog.Errorf("list conversations scan err: %v", err)
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var kind string
	var delivered, read byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Seq, &m.Content, &kind, &m.MediaRef,
		&m.CreatedAt, &delivered, &read); err != nil {
		return nil, err
	}
	m.Kind = MessageKind(kind)
	m.Delivered = delivered > 0
	m.Read = read > 0
	return &m, nil
}

func (s *MySQLStore) Append(ctx context.Context, req *AppendReq) (*Message, bool, error) {
	var out *Message
	var dup bool

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// select for update: serializes appends of this conversation only.
		var lastSeq int64
		row := tx.QueryRowContext(ctx, lockConvSeqSQL, req.ConversationID)
		if err := row.Scan(&lastSeq); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("conversation %s: %w", req.ConversationID, ErrNotFound)
			}
			glog.Errorf("lock conversation seq err: %v", err)
			return err
		}

		if req.IdempotencyKey != "" {
			var seq int64
			row := tx.QueryRowContext(ctx, lockIdempotencySQL, req.SenderID, req.ConversationID, req.IdempotencyKey)
			err := row.Scan(&seq)
			if err == nil {
				m, err := scanMessage(tx.QueryRowContext(ctx, getMessageSQL, req.ConversationID, seq))
				if err != nil {
					glog.Errorf("get idempotent message err: %v", err)
					return err
				}
				out, dup = m, true
				return nil
			} else if err != sql.ErrNoRows {
				return err
			}
		}

		m := &Message{
			ID:             req.ID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			Seq:            lastSeq + 1,
			Content:        req.Content,
			Kind:           req.Kind,
			MediaRef:       req.MediaRef,
			CreatedAt:      req.CreateTime,
		}

		if _, err := tx.ExecContext(ctx, insertMessageSQL, m.ID, m.ConversationID, m.SenderID, m.Seq,
			m.Content, string(m.Kind), m.MediaRef, m.CreatedAt); err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}

		res, err := tx.ExecContext(ctx, updateSnapshotSQL, m.Seq, m.SenderID, string(m.Kind), m.Content, m.CreatedAt,
			m.ConversationID, lastSeq)
		if err != nil {
			glog.Errorf("update snapshot exec err: %v", err)
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: conversation %s seq moved during append", ErrTransient, m.ConversationID)
		}

		if req.IdempotencyKey != "" {
			if _, err := tx.ExecContext(ctx, insertIdemSQL, req.SenderID, req.ConversationID, req.IdempotencyKey,
				m.Seq, m.CreatedAt); err != nil {
				glog.Errorf("insert idempotency exec err: %v", err)
				return err
			}
		}

		out = m
		return nil
	}); err != nil {
		return nil, false, err
	}

	return out, dup, nil
}

func (s *MySQLStore) GetMessages(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, getMessagesSQL, convID, afterSeq, limit)
	if err != nil {
		glog.Errorf("get messages query err: %v", err)
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("get messages scan err: %v", err)
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (s *MySQLStore) GetMessage(ctx context.Context, convID string, seq int64) (*Message, error) {
	m, err := scanMessage(s.QueryRowContext(ctx, getMessageSQL, convID, seq))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message %s/%d: %w", convID, seq, ErrNotFound)
		}
		return nil, classify(err)
	}
	return m, nil
}

func (s *MySQLStore) SetDelivered(ctx context.Context, convID string, seq int64) (bool, error) {
	res, err := s.ExecContext(ctx, setDeliveredSQL, convID, seq)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *MySQLStore) MarkRead(ctx context.Context, convID, reader string, upToSeq int64) (int, error) {
	res, err := s.ExecContext(ctx, markReadSQL, convID, reader, upToSeq)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MySQLStore) CountUnread(ctx context.Context, convID, reader string) (int, error) {
	var n sql.NullInt32
	if err := s.QueryRowContext(ctx, countUnreadSQL, convID, reader).Scan(&n); err != nil {
		glog.Errorf("count unread scan err: %v", err)
		return 0, classify(err)
	}
	return int(n.Int32), nil
}

func (s *MySQLStore) DeleteExpiredIdempotencyKeys(ctx context.Context, before time.Time) (int, error) {
	var numDeleted int
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, cleanIdemSQL, before)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		numDeleted = int(n)
		return nil
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

func scanEdge(row rowScanner) (*FriendEdge, error) {
	var e FriendEdge
	var status string
	if err := row.Scan(&e.ID, &e.RequesterID, &e.TargetID, &status, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = EdgeStatus(status)
	return &e, nil
}

func (s *MySQLStore) CreateFriendEdge(ctx context.Context, e *FriendEdge) error {
	if _, err := s.ExecContext(ctx, insertEdgeSQL, e.ID, PairKey(e.RequesterID, e.TargetID), e.RequesterID,
		e.TargetID, string(e.Status), e.CreatedAt); err != nil {
		if s.IsDupKeyError(err) {
			return fmt.Errorf("friend edge %s-%s: %w", e.RequesterID, e.TargetID, ErrDuplicate)
		}
		glog.Errorf("insert friend edge err: %v", err)
		return classify(err)
	}
	return nil
}

func (s *MySQLStore) GetFriendEdge(ctx context.Context, id string) (*FriendEdge, error) {
	e, err := scanEdge(s.QueryRowContext(ctx, getEdgeSQL, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("friend edge %s: %w", id, ErrNotFound)
		}
		return nil, classify(err)
	}
	return e, nil
}

func (s *MySQLStore) GetFriendEdgeByPair(ctx context.Context, a, b string) (*FriendEdge, error) {
	e, err := scanEdge(s.QueryRowContext(ctx, getEdgeByPairSQL, PairKey(a, b)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("friend edge %s-%s: %w", a, b, ErrNotFound)
		}
		return nil, classify(err)
	}
	return e, nil
}

func (s *MySQLStore) AcceptFriendEdge(ctx context.Context, id string) (*FriendEdge, error) {
	var out *FriendEdge
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e, err := scanEdge(tx.QueryRowContext(ctx, lockEdgeSQL, id))
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("friend edge %s: %w", id, ErrNotFound)
			}
			return err
		}
		if e.Status == EdgePending {
			if _, err := tx.ExecContext(ctx, acceptEdgeSQL, string(EdgeAccepted), id, string(EdgePending)); err != nil {
				return err
			}
			e.Status = EdgeAccepted
		}
		out = e
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) DeleteFriendEdge(ctx context.Context, id string) error {
	res, err := s.ExecContext(ctx, deleteEdgeSQL, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("friend edge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MySQLStore) DeletePendingFriendEdge(ctx context.Context, id string) error {
	res, err := s.ExecContext(ctx, deletePendingSQL, id, string(EdgePending))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending friend edge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MySQLStore) ListFriendEdges(ctx context.Context, uid string) ([]*FriendEdge, error) {
	rows, err := s.QueryContext(ctx, listEdgesSQL, uid, uid)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*FriendEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}
