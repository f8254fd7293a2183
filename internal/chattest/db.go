package chattest

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// isoLayout matches the naive ISO timestamps the real server emits.
const isoLayout = "2006-01-02T15:04:05.000000"

var (
	errNotFound  = errors.New("not found")
	errDuplicate = errors.New("duplicate")
)

type userRow struct {
	models.User
	Password string
}

// db is the fake server's persistence: users, rooms, memberships and
// message history in an in-memory SQLite database.
type db struct {
	sql *sql.DB
}

func openDB() (*db, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	d := &db{sql: conn}
	if err := d.createTables(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *db) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		is_online INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chat_rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_group INTEGER NOT NULL,
		owner_id TEXT,
		created_at TEXT NOT NULL,
		last_activity TEXT,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS memberships (
		room_id TEXT,
		user_id TEXT,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES chat_rooms(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL,
		file_name TEXT,
		file_path TEXT,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (room_id) REFERENCES chat_rooms(id)
	);

	CREATE TABLE IF NOT EXISTS join_requests (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		message TEXT,
		approved INTEGER,
		UNIQUE (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES chat_rooms(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	`
	_, err := d.sql.Exec(query)
	return err
}

func (d *db) Close() error { return d.sql.Close() }

func (d *db) createUser(email, username, passwordHash string) (models.User, error) {
	user := models.User{ID: uuid.NewString(), Email: email, Username: username}
	_, err := d.sql.Exec("INSERT INTO users (id, email, username, password) VALUES (?, ?, ?, ?)",
		user.ID, email, username, passwordHash)
	if err != nil {
		return models.User{}, fmt.Errorf("create user %s: %w", username, err)
	}
	return user, nil
}

// userByLogin looks a user up by email or username, as /token does.
func (d *db) userByLogin(login string) (userRow, error) {
	var u userRow
	err := d.sql.QueryRow("SELECT id, email, username, password FROM users WHERE email = ? OR username = ?",
		login, login).Scan(&u.ID, &u.Email, &u.Username, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return userRow{}, errNotFound
	}
	return u, err
}

func (d *db) userByEmail(email string) (models.User, error) {
	var u models.User
	err := d.sql.QueryRow("SELECT id, email, username FROM users WHERE email = ?", email).
		Scan(&u.ID, &u.Email, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, errNotFound
	}
	return u, err
}

func (d *db) userExists(column, value string) (bool, error) {
	var exists bool
	err := d.sql.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE "+column+" = ?)", value).Scan(&exists)
	return exists, err
}

func (d *db) setOnline(userID string, online bool) error {
	_, err := d.sql.Exec("UPDATE users SET is_online = ? WHERE id = ?", online, userID)
	return err
}

func (d *db) createRoom(name string, isGroup bool, ownerID string, memberIDs ...string) (string, error) {
	id := uuid.NewString()
	tx, err := d.sql.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var owner any
	if ownerID != "" {
		owner = ownerID
	}
	if _, err := tx.Exec("INSERT INTO chat_rooms (id, name, is_group, owner_id, created_at) VALUES (?, ?, ?, ?, ?)",
		id, name, isGroup, owner, time.Now().UTC().Format(isoLayout)); err != nil {
		return "", err
	}
	members := memberIDs
	if ownerID != "" {
		members = append([]string{ownerID}, memberIDs...)
	}
	for _, m := range members {
		if _, err := tx.Exec("INSERT OR IGNORE INTO memberships (room_id, user_id) VALUES (?, ?)", id, m); err != nil {
			return "", err
		}
	}
	return id, tx.Commit()
}

func (d *db) room(id string) (models.RoomSummary, error) {
	rooms, err := d.queryRooms("WHERE r.id = ?", id)
	if err != nil {
		return models.RoomSummary{}, err
	}
	if len(rooms) == 0 {
		return models.RoomSummary{}, errNotFound
	}
	return rooms[0], nil
}

func (d *db) userRooms(userID string, isGroup bool) ([]models.RoomSummary, error) {
	return d.queryRooms(
		"JOIN memberships m ON m.room_id = r.id WHERE m.user_id = ? AND r.is_group = ? ORDER BY r.created_at",
		userID, isGroup)
}

func (d *db) queryRooms(where string, args ...any) ([]models.RoomSummary, error) {
	rows, err := d.sql.Query(`
		SELECT r.id, r.name, r.is_group, r.created_at, r.last_activity,
		       u.id, u.email, u.username
		FROM chat_rooms r
		LEFT JOIN users u ON u.id = r.owner_id `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.RoomSummary{}
	for rows.Next() {
		var room models.RoomSummary
		var createdAt string
		var lastActivity, ownerID, ownerEmail, ownerName sql.NullString
		if err := rows.Scan(&room.ID, &room.Name, &room.IsGroup, &createdAt, &lastActivity,
			&ownerID, &ownerEmail, &ownerName); err != nil {
			return nil, err
		}
		if room.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
			return nil, err
		}
		if lastActivity.Valid {
			ts, err := models.ParseTimestamp(lastActivity.String)
			if err != nil {
				return nil, err
			}
			room.LastActivity = &ts
		}
		if ownerID.Valid {
			room.Owner = &models.User{ID: ownerID.String, Email: ownerEmail.String, Username: ownerName.String}
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// roomOwner returns the owner id of a room, or errNotFound.
func (d *db) roomOwner(roomID string) (string, error) {
	var owner sql.NullString
	err := d.sql.QueryRow("SELECT owner_id FROM chat_rooms WHERE id = ?", roomID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errNotFound
	}
	return owner.String, err
}

// deleteRoom removes a room with its memberships, history and join requests.
func (d *db) deleteRoom(roomID string) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"memberships", "join_requests", "messages"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE room_id = ?", roomID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM chat_rooms WHERE id = ?", roomID); err != nil {
		return err
	}
	return tx.Commit()
}

type joinRequestRow struct {
	models.JoinRequest
	RoomID  string
	UserID  string
	OwnerID string
}

// createJoinRequest stores a pending request. It reports errDuplicate when
// the user already asked to join the room.
func (d *db) createJoinRequest(roomID, userID, message string) (string, error) {
	id := uuid.NewString()
	_, err := d.sql.Exec("INSERT INTO join_requests (id, room_id, user_id, message) VALUES (?, ?, ?, ?)",
		id, roomID, userID, nullable(message))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return "", errDuplicate
	}
	return id, err
}

func (d *db) joinRequest(id string) (joinRequestRow, error) {
	rows, err := d.queryJoinRequests("WHERE j.id = ?", id)
	if err != nil {
		return joinRequestRow{}, err
	}
	if len(rows) == 0 {
		return joinRequestRow{}, errNotFound
	}
	return rows[0], nil
}

func (d *db) roomJoinRequests(roomID string) ([]joinRequestRow, error) {
	return d.queryJoinRequests("WHERE j.room_id = ? ORDER BY u.username", roomID)
}

func (d *db) queryJoinRequests(where string, args ...any) ([]joinRequestRow, error) {
	rows, err := d.sql.Query(`
		SELECT j.id, COALESCE(j.message, ''), j.approved, j.room_id, j.user_id,
		       u.email, u.username, r.name, r.is_group, COALESCE(r.owner_id, '')
		FROM join_requests j
		JOIN users u ON u.id = j.user_id
		JOIN chat_rooms r ON r.id = j.room_id `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []joinRequestRow{}
	for rows.Next() {
		var (
			row      joinRequestRow
			approved sql.NullBool
			user     models.User
			room     models.RoomRef
		)
		if err := rows.Scan(&row.ID, &row.Message, &approved, &row.RoomID, &row.UserID,
			&user.Email, &user.Username, &room.Name, &room.IsGroup, &row.OwnerID); err != nil {
			return nil, err
		}
		if approved.Valid {
			row.Approved = &approved.Bool
		}
		row.User = &user
		row.ChatRoom = &room
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *db) answerJoinRequest(id string, approve bool) error {
	_, err := d.sql.Exec("UPDATE join_requests SET approved = ? WHERE id = ?", approve, id)
	return err
}

func (d *db) isMember(roomID, userID string) (bool, error) {
	var exists bool
	err := d.sql.QueryRow("SELECT EXISTS(SELECT 1 FROM memberships WHERE room_id = ? AND user_id = ?)",
		roomID, userID).Scan(&exists)
	return exists, err
}

func (d *db) addMember(roomID, userID string) error {
	_, err := d.sql.Exec("INSERT OR IGNORE INTO memberships (room_id, user_id) VALUES (?, ?)", roomID, userID)
	return err
}

// privateOnlineUsers lists online users sharing a private room with userID.
func (d *db) privateOnlineUsers(userID string) ([]string, error) {
	rows, err := d.sql.Query(`
		SELECT DISTINCT u.username
		FROM memberships mine
		JOIN chat_rooms r ON r.id = mine.room_id AND r.is_group = 0
		JOIN memberships other ON other.room_id = r.id AND other.user_id != mine.user_id
		JOIN users u ON u.id = other.user_id AND u.is_online = 1
		WHERE mine.user_id = ?
		ORDER BY u.username`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		users = append(users, name)
	}
	return users, rows.Err()
}

func (d *db) saveMessage(m models.Message) (models.Message, error) {
	m.ID = uuid.NewString()
	if m.Timestamp.IsZero() {
		m.Timestamp = models.Timestamp{Time: time.Now().UTC()}
	}
	ts := m.Timestamp.UTC().Format(isoLayout)

	_, err := d.sql.Exec(`INSERT INTO messages
		(id, room_id, user_id, username, content, message_type, file_name, file_path, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatRoomID, m.SenderID, m.Username, m.Content, string(m.Kind),
		nullable(m.FileName), nullable(m.FilePath), ts)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := d.sql.Exec("UPDATE chat_rooms SET last_activity = ? WHERE id = ?", ts, m.ChatRoomID); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// recentMessages returns up to limit messages newest first, optionally only
// those older than beforeID.
func (d *db) recentMessages(roomID, beforeID string, limit int) ([]models.Message, error) {
	query := `SELECT id, room_id, user_id, username, content, message_type,
		COALESCE(file_name, ''), COALESCE(file_path, ''), timestamp
		FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if beforeID != "" {
		query += " AND seq < (SELECT seq FROM messages WHERE id = ?)"
		args = append(args, beforeID)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			kind string
			ts   string
		)
		if err := rows.Scan(&m.ID, &m.ChatRoomID, &m.SenderID, &m.Username, &m.Content, &kind,
			&m.FileName, &m.FilePath, &ts); err != nil {
			return nil, err
		}
		m.Kind = models.Kind(kind)
		if m.Timestamp, err = models.ParseTimestamp(ts); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
