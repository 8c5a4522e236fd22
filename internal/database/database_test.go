package database

import (
	"errors"
	"testing"

	"github.com/life-stream-dev/ghosttap-server/internal/config"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestBuildURI(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "anonymous",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 27017},
			want: "mongodb://127.0.0.1:27017/",
		},
		{
			name: "escaped credentials",
			cfg:  config.DatabaseConfig{Host: "db", Port: 27018, Username: "ghost tap", Password: "p@ss/word"},
			want: "mongodb://ghost+tap:p%40ss%2Fword@db:27018/?authSource=admin",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildURI(tt.cfg))
		})
	}
}

func TestHandleErrMapsMissingDocument(t *testing.T) {
	err := handleErr(mongo.ErrNoDocuments)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, err, mongo.ErrNoDocuments)

	other := handleErr(errors.New("socket closed"))
	assert.NotErrorIs(t, other, ErrSessionNotFound)
	assert.Contains(t, other.Error(), "database operation failed")
}
