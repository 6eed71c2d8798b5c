package domain

// FixedTable is a canonical financial statement and the line items that identify it.
type FixedTable struct {
	Title string   `yaml:"title" json:"title"`
	Keys  []string `yaml:"keys" json:"keys"`
}

func DefaultFixedTables() []FixedTable {
	return []FixedTable{
		{
			Title: "合并利润表",
			Keys: []string{
				"营业外收入", "利息支出", "综合收益总额", "所得税费用", "投资收益", "研发费用",
				"利润总额", "净利润", "税金及附加", "营业外支出", "每股收益", "归属于母公司所有者的净利润",
				"销售费用", "公允价值变动收益", "归属于母公司股东的净利润", "管理费用", "利息收入",
				"营业收入", "对联营企业和合营企业的投资收益", "营业成本", "营业利润", "财务费用",
			},
		},
		{
			Title: "合并资产负债表",
			Keys: []string{
				"衍生金融资产", "无形资产", "其他非流动金融资产", "资产总计", "流动资产", "非流动负债",
				"负债合计", "固定资产", "流动负债", "总负债", "货币资金", "应收款项融资", "存货", "应付职工薪酬",
			},
		},
		{
			Title: "合并现金流量表",
			Keys:  []string{"收回投资收到的现金", "现金及现金等价物", "期末现金及现金等价物余额"},
		},
	}
}

// MatchFixedTable returns the title of the first table listing key.
func MatchFixedTable(tables []FixedTable, key string) (string, bool) {
	for _, t := range tables {
		for _, k := range t.Keys {
			if k == key {
				return t.Title, true
			}
		}
	}
	return "", false
}
