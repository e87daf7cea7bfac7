package raft

import (
	"log"
	"strconv"

	"github.com/google/uuid"

	"github.com/mkuznets/raftcore/common"
)

const (
	keyTerm        = "term"
	keyVotedFor    = "votedFor"
	keyCommitIndex = "commitIndex"
)

func getTerm(store common.PersistentStore) int64 {
	raw, err := store.GetDefault([]byte(keyTerm), []byte("0"))
	if err != nil {
		log.Printf("error reading term from persistent store: %v", err)
		return 0
	}
	term, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		log.Printf("error parsing term: %v", err)
		return 0
	}
	return term
}

func setTerm(store common.PersistentStore, term int64) error {
	return store.Set([]byte(keyTerm), []byte(strconv.FormatInt(term, 10)))
}

func getVotedFor(store common.PersistentStore) *uuid.UUID {
	raw, err := store.GetDefault([]byte(keyVotedFor), nil)
	if err != nil || len(raw) == 0 {
		return nil
	}
	id, err := uuid.ParseBytes(raw)
	if err != nil {
		log.Printf("error parsing votedFor: %v", err)
		return nil
	}
	return &id
}

func setVotedFor(store common.PersistentStore, votedFor *uuid.UUID) error {
	if votedFor == nil {
		return store.Set([]byte(keyVotedFor), []byte{})
	}
	return store.Set([]byte(keyVotedFor), []byte(votedFor.String()))
}

func getCommitIndex(store common.PersistentStore) int64 {
	raw, err := store.GetDefault([]byte(keyCommitIndex), []byte("0"))
	if err != nil {
		log.Printf("error reading commit index from persistent store: %v", err)
		return 0
	}
	idx, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		log.Printf("error parsing commit index: %v", err)
		return 0
	}
	return idx
}

func setCommitIndex(store common.PersistentStore, idx int64) error {
	return store.Set([]byte(keyCommitIndex), []byte(strconv.FormatInt(idx, 10)))
}
