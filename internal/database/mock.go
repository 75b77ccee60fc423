package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRoomRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomRepository) AddParticipant(params AddParticipantParams) error {
	args := m.Called(params)
	return args.Error(0)
}
func (m *MockRoomRepository) CloseRoom(code, reason string, closedAt time.Time) error {
	args := m.Called(code, reason, closedAt)
	return args.Error(0)
}
func (m *MockRoomRepository) GetRoomByCode(code string) (Room, error) {
	args := m.Called(code)
	return args.Get(0).(Room), args.Error(1)
}
