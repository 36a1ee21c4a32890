package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// questionSet is the YAML shape accepted by --questions-file. Each expected
// answer entry holds the whitespace separated alternatives of one question.
type questionSet struct {
	Questions       []string `yaml:"questions"`
	ExpectedAnswers []string `yaml:"expected_answers"`
}

func defaultQuestionSet() questionSet {
	return questionSet{
		Questions: []string{
			"Using yes or no, are there people in this image?",
			"Using yes or no, is this image in a studio, with a plain color background?",
			"Using yes or no, is this image an illustration?",
			"Using yes or no, are there people of races other than Asian and Caucasian in this image?",
			"Using yes or no, are there anyone above the age of 50 in this image?",
			"Using yes or no, are there both men and women in the image?",
			"Using yes or no, does the image exude a stressful atmosphere?",
		},
		ExpectedAnswers: []string{"yes", "no", "no", "no", "no", "yes", "yes"},
	}
}

func loadQuestionSet(path string) (questionSet, error) {
	if path == "" {
		return defaultQuestionSet(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return questionSet{}, fmt.Errorf("read questions file: %w", err)
	}
	var qs questionSet
	if err := yaml.Unmarshal(raw, &qs); err != nil {
		return questionSet{}, fmt.Errorf("parse questions file %s: %w", path, err)
	}
	if err := qs.validate(); err != nil {
		return questionSet{}, fmt.Errorf("questions file %s: %w", path, err)
	}
	return qs, nil
}

func (qs questionSet) validate() error {
	if len(qs.Questions) == 0 {
		return errors.New("no questions")
	}
	if len(qs.ExpectedAnswers) != len(qs.Questions) {
		return fmt.Errorf("%d questions but %d expected answer groups", len(qs.Questions), len(qs.ExpectedAnswers))
	}
	return nil
}

func (qs questionSet) answerGroups() [][]string {
	groups := make([][]string, len(qs.ExpectedAnswers))
	for i, g := range qs.ExpectedAnswers {
		groups[i] = strings.Fields(g)
	}
	return groups
}
