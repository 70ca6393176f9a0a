package services

import (
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(key string) ([]byte, error) {
	args := m.Called(key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStore) Put(key string, value []byte) error {
	args := m.Called(key, value)
	return args.Error(0)
}

type MockDisconnector struct {
	mock.Mock
}

func (m *MockDisconnector) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockDisconnector) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDisconnector) Reconnect() error {
	args := m.Called()
	return args.Error(0)
}
