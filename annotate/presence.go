package annotate

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// TypingWindow is how recent a user's activity must be for the user to
// count as typing.
const TypingWindow = 5 * time.Second

// IsTyping derives the typing state from activity recency. There is no
// explicit start/stop signal.
func IsTyping(user *PresenceUser, now time.Time) bool {
	return now.Sub(user.LastActivity) < TypingWindow
}

// PresenceTracker is a liveness-timestamped roster of the users viewing a
// document. "Who is here" and "who is typing" are derived per read rather
// than maintained incrementally.
type PresenceTracker struct {
	stateLock sync.Mutex
	users     map[string]*PresenceUser
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		users: map[string]*PresenceUser{},
	}
}

func (self *PresenceTracker) Join(user *PresenceUser) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextUsers := maps.Clone(self.users)
	nextUsers[user.UserId] = user
	self.users = nextUsers
}

func (self *PresenceTracker) Leave(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[userId]; !ok {
		return
	}
	nextUsers := maps.Clone(self.users)
	delete(nextUsers, userId)
	self.users = nextUsers
}

// Touch records activity for a user, adding the user to the roster if a
// typing ping arrives before the join event.
func (self *PresenceTracker) Touch(userId string, userName string, color string, now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextUsers := maps.Clone(self.users)
	if user, ok := nextUsers[userId]; ok {
		touched := user.Copy()
		touched.LastActivity = now
		nextUsers[userId] = touched
	} else {
		nextUsers[userId] = &PresenceUser{
			UserId:       userId,
			UserName:     userName,
			Color:        color,
			LastActivity: now,
		}
	}
	self.users = nextUsers
}

func (self *PresenceTracker) ActiveUsers() []*PresenceUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := maps.Values(self.users)
	sort.Slice(users, func(i int, j int) bool {
		if users[i].UserName != users[j].UserName {
			return users[i].UserName < users[j].UserName
		}
		return users[i].UserId < users[j].UserId
	})
	return users
}

func (self *PresenceTracker) TypingUsers(now time.Time) []*PresenceUser {
	typing := []*PresenceUser{}
	for _, user := range self.ActiveUsers() {
		if IsTyping(user, now) {
			typing = append(typing, user)
		}
	}
	return typing
}

func (self *PresenceTracker) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.users)
}
